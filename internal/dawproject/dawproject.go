// Package dawproject writes DAWproject interchange files: a zip holding
// project.xml, metadata.xml and the referenced audio.
package dawproject

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rehearsekit/backend/internal/audio"
	"github.com/rehearsekit/backend/internal/model"
)

const (
	formatVersion = "1.0"
	appName       = "RehearseKit"
	appVersion    = "1.0"
	masterColor   = "#A0A0A0"
	defaultColor  = "#808080"
)

var stemColors = map[model.Stem]string{
	model.StemVocals: "#FF6B9D",
	model.StemDrums:  "#FFA500",
	model.StemBass:   "#4169E1",
	model.StemOther:  "#808080",
}

// ColorFor returns the track colour for a stem name
func ColorFor(stem string) string {
	if c, ok := stemColors[model.Stem(strings.ToLower(stem))]; ok {
		return c
	}
	return defaultColor
}

// Request describes one project. Stems are WAV paths, one track each, in order.
type Request struct {
	Name       string
	BPM        float64
	SampleRate int
	Stems      []string
	OutputDir  string
}

// Build writes <OutputDir>/<name>.dawproject and returns its path.
func Build(req Request) (string, error) {
	if len(req.Stems) == 0 {
		return "", &audio.StageError{Stage: audio.StageProject, Kind: audio.ErrResourceNotFound, Message: "no stems to reference"}
	}
	if req.SampleRate == 0 {
		req.SampleRate = audio.SampleRate
	}

	clips := make([]clipSource, 0, len(req.Stems))
	for _, p := range req.Stems {
		info, err := audio.ProbeWAV(p)
		if err != nil {
			return "", &audio.StageError{Stage: audio.StageProject, Kind: audio.ErrFormat, Message: "read " + filepath.Base(p), Err: err}
		}
		clips = append(clips, clipSource{
			path:     p,
			stem:     strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
			seconds:  info.Duration.Seconds(),
			channels: info.Channels,
			rate:     info.SampleRate,
		})
	}

	proj := newProject(req.BPM, clips)
	meta := metadata{
		Title:   req.Name,
		Comment: fmt.Sprintf("Tempo: %s BPM, %d Hz", audio.FormatBPM(req.BPM), req.SampleRate),
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", &audio.StageError{Stage: audio.StageProject, Kind: audio.ErrStorage, Message: "create output dir", Err: err}
	}
	out := filepath.Join(req.OutputDir, audio.SafeName(req.Name)+".dawproject")
	if err := writeArchive(out, proj, meta, clips); err != nil {
		return "", &audio.StageError{Stage: audio.StageProject, Kind: audio.ErrStorage, Message: "write " + filepath.Base(out), Err: err}
	}
	return out, nil
}

type clipSource struct {
	path     string
	stem     string
	seconds  float64
	channels int
	rate     int
}

func (c clipSource) archivePath() string {
	return "audio/" + c.stem + ".wav"
}

func writeArchive(out string, proj project, meta metadata, clips []clipSource) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	if err := writeXML(zw, "project.xml", proj); err != nil {
		return err
	}
	if err := writeXML(zw, "metadata.xml", meta); err != nil {
		return err
	}
	for _, c := range clips {
		if err := copyInto(zw, c.path, c.archivePath()); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func writeXML(zw *zip.Writer, name string, v any) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// copyInto stores audio without compression
func copyInto(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

type idGen int

func (g *idGen) next() string {
	id := "id" + strconv.Itoa(int(*g))
	*g++
	return id
}

func newProject(bpm float64, clips []clipSource) project {
	var ids idGen
	p := project{
		Version:     formatVersion,
		Application: application{Name: appName, Version: appVersion},
		Transport: transport{
			Tempo:         realParameter{ID: ids.next(), Name: "Tempo", Unit: "bpm", Value: bpm, Min: 20, Max: 999},
			TimeSignature: timeSignature{ID: ids.next(), Numerator: 4, Denominator: 4},
		},
	}

	masterChannel := ids.next()
	p.Structure = append(p.Structure, track{
		ID:          ids.next(),
		Name:        "Master",
		Color:       masterColor,
		ContentType: "audio",
		Loaded:      true,
		Channel:     newChannel(masterChannel, "master", "", &ids),
	})

	arr := lanes{ID: ids.next(), TimeUnit: "seconds"}
	for _, c := range clips {
		trackID := ids.next()
		p.Structure = append(p.Structure, track{
			ID:          trackID,
			Name:        titleCase(c.stem),
			Color:       ColorFor(c.stem),
			ContentType: "audio",
			Loaded:      true,
			Channel:     newChannel(ids.next(), "regular", masterChannel, &ids),
		})
		arr.Tracks = append(arr.Tracks, trackLane{
			ID:    ids.next(),
			Track: trackID,
			Clips: clipList{
				ID: ids.next(),
				Clips: []clip{{
					Time:      0,
					Duration:  c.seconds,
					PlayStart: 0,
					Name:      titleCase(c.stem),
					Audio: audioFile{
						ID:         ids.next(),
						Channels:   c.channels,
						Duration:   c.seconds,
						SampleRate: c.rate,
						Algorithm:  "raw",
						File:       fileRef{Path: c.archivePath()},
					},
				}},
			},
		})
	}
	p.Arrangement = arrangement{ID: ids.next(), Lanes: arr}
	return p
}

func newChannel(id, role, destination string, ids *idGen) channel {
	return channel{
		ID:            id,
		Role:          role,
		AudioChannels: 2,
		Destination:   destination,
		Volume:        realParameter{ID: ids.next(), Name: "Volume", Unit: "linear", Value: 1, Min: 0, Max: 2},
		Pan:           realParameter{ID: ids.next(), Name: "Pan", Unit: "normalized", Value: 0.5, Min: 0, Max: 1},
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
