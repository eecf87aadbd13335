package audio

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type PackageRequest struct {
	Name        string
	StemsDir    string
	ProjectFile string
	BPM         float64
	OutputPath  string
}

// Package writes the deliverable archive:
//
//	stems/<stem>.wav
//	<name>/<name>.dawproject
//	IMPORT_GUIDE.txt
//	README.txt
func (t *Toolkit) Package(ctx context.Context, req PackageRequest) (string, error) {
	stems, err := listWAVs(req.StemsDir)
	if err != nil {
		return "", stageErr(StagePackage, ErrResourceNotFound, err, "no stems to package")
	}
	if _, err := os.Stat(req.ProjectFile); err != nil {
		return "", stageErr(StagePackage, ErrResourceNotFound, err, "project file %s not found", req.ProjectFile)
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "create output dir")
	}
	f, err := os.Create(req.OutputPath)
	if err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "create %s", req.OutputPath)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, p := range stems {
		if err := ctx.Err(); err != nil {
			return "", stageErr(StagePackage, ErrStorage, err, "packaging interrupted")
		}
		if err := addFile(zw, p, "stems/"+filepath.Base(p)); err != nil {
			return "", stageErr(StagePackage, ErrStorage, err, "add %s", filepath.Base(p))
		}
	}

	name := SafeName(req.Name)
	if err := addFile(zw, req.ProjectFile, name+"/"+name+".dawproject"); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "add project file")
	}
	if err := addText(zw, "IMPORT_GUIDE.txt", ImportGuide(req.BPM)); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "add import guide")
	}
	if err := addText(zw, "README.txt", Readme(req.Name, req.BPM)); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "add readme")
	}

	if err := zw.Close(); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "finalize archive")
	}
	if err := f.Close(); err != nil {
		return "", stageErr(StagePackage, ErrStorage, err, "close archive")
	}
	return req.OutputPath, nil
}

func addFile(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

func addText(zw *zip.Writer, name, body string) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9 _.-]+`)

// SafeName turns a user supplied project name into something usable as a
// file and folder name on every platform.
func SafeName(name string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, " .")
	if s == "" {
		return "project"
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func ImportGuide(bpm float64) string {
	tempo := FormatBPM(bpm)
	return fmt.Sprintf(`DAW IMPORT GUIDE
================

Package contents
  <project>/<project>.dawproject   open interchange project
  stems/                           one WAV per stem, for manual import

Cubase 14 Pro
  1. Extract the archive.
  2. File > Import > DAWproject.
  3. In the file browser select the project FOLDER first,
     then open it and select the .dawproject file inside.
  4. Four tracks are created at %[1]s BPM, 48000 Hz.

Studio One 7, Bitwig, Reaper
  1. Extract the archive.
  2. File > Open (or Import) and pick the .dawproject file.
  Studio One may open the song at 44.1 kHz. Switch it to 48 kHz in Song Setup.

Any other DAW
  1. Create a project at 48000 Hz and %[1]s BPM.
  2. Add four audio tracks: Vocals, Drums, Bass, Other.
  3. Drag each file from stems/ onto its track.
  4. Align every clip to bar 1 (1.1.1.0).

Troubleshooting
  Files greyed out in Cubase: select the folder before the file.
  Sample rate warning: set the project to 48000 Hz.
  Clips out of sync: select all clips and move them to 1.1.1.0.
  Wrong tempo: set the transport to %[1]s BPM.

Generated by RehearseKit
`, tempo)
}

func Readme(project string, bpm float64) string {
	tempo := FormatBPM(bpm)
	return fmt.Sprintf(`RehearseKit - Your Complete Rehearsal Toolkit

PROJECT:     %s
BPM:         %s
SAMPLE RATE: 48 kHz
BIT DEPTH:   24-bit

CONTENTS

  <project>/<project>.dawproject
      Opens in Cubase 14 Pro, Studio One 7, Bitwig and Reaper.
  stems/
      vocals.wav   lead and backing vocals
      drums.wav    full drum kit
      bass.wav     bass guitar and sub bass
      other.wav    guitars, keys, synths, strings and ambience
  IMPORT_GUIDE.txt
      Step by step import instructions per DAW.

The separator produces four stems, so guitars and keyboards share other.wav.

TECHNICAL

  Format:      WAV, uncompressed PCM
  Sample rate: 48000 Hz
  Bit depth:   24-bit
  Channels:    2 (stereo)
  Tempo:       %s BPM

Every stem starts at 0:00 and all stems have the same length.

Generated by RehearseKit
`, project, tempo, tempo)
}
