package dawproject

import "encoding/xml"

type project struct {
	XMLName     xml.Name    `xml:"Project"`
	Version     string      `xml:"version,attr"`
	Application application `xml:"Application"`
	Transport   transport   `xml:"Transport"`
	Structure   []track     `xml:"Structure>Track"`
	Arrangement arrangement `xml:"Arrangement"`
}

type application struct {
	Name    string `xml:"name,attr"`
	Version string `xml:"version,attr"`
}

type transport struct {
	Tempo         realParameter `xml:"Tempo"`
	TimeSignature timeSignature `xml:"TimeSignature"`
}

type realParameter struct {
	ID    string  `xml:"id,attr"`
	Name  string  `xml:"name,attr"`
	Unit  string  `xml:"unit,attr"`
	Value float64 `xml:"value,attr"`
	Min   float64 `xml:"min,attr"`
	Max   float64 `xml:"max,attr"`
}

type timeSignature struct {
	ID          string `xml:"id,attr"`
	Numerator   int    `xml:"numerator,attr"`
	Denominator int    `xml:"denominator,attr"`
}

type track struct {
	ID          string  `xml:"id,attr"`
	Name        string  `xml:"name,attr"`
	Color       string  `xml:"color,attr"`
	ContentType string  `xml:"contentType,attr"`
	Loaded      bool    `xml:"loaded,attr"`
	Channel     channel `xml:"Channel"`
}

type channel struct {
	ID            string        `xml:"id,attr"`
	Role          string        `xml:"role,attr"`
	AudioChannels int           `xml:"audioChannels,attr"`
	Destination   string        `xml:"destination,attr,omitempty"`
	Volume        realParameter `xml:"Volume"`
	Pan           realParameter `xml:"Pan"`
}

type arrangement struct {
	ID    string `xml:"id,attr"`
	Lanes lanes  `xml:"Lanes"`
}

type lanes struct {
	ID       string      `xml:"id,attr"`
	TimeUnit string      `xml:"timeUnit,attr"`
	Tracks   []trackLane `xml:"Lanes"`
}

type trackLane struct {
	ID    string   `xml:"id,attr"`
	Track string   `xml:"track,attr"`
	Clips clipList `xml:"Clips"`
}

type clipList struct {
	ID    string `xml:"id,attr"`
	Clips []clip `xml:"Clip"`
}

type clip struct {
	Time      float64   `xml:"time,attr"`
	Duration  float64   `xml:"duration,attr"`
	PlayStart float64   `xml:"playStart,attr"`
	Name      string    `xml:"name,attr"`
	Audio     audioFile `xml:"Audio"`
}

type audioFile struct {
	ID         string  `xml:"id,attr"`
	Channels   int     `xml:"channels,attr"`
	Duration   float64 `xml:"duration,attr"`
	SampleRate int     `xml:"sampleRate,attr"`
	Algorithm  string  `xml:"algorithm,attr"`
	File       fileRef `xml:"File"`
}

type fileRef struct {
	Path string `xml:"path,attr"`
}

type metadata struct {
	XMLName xml.Name `xml:"MetaData"`
	Title   string   `xml:"Title"`
	Comment string   `xml:"Comment"`
}
