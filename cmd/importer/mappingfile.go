package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// mappingFile is the YAML document preview writes and run reads.
//
//	file: equipment.csv
//	confidence: medium
//	skip_duplicates: true
//	mapping:
//	  Asset Name: name
//	  S/N: serial_number
//	  Widget Color: __new__
//	  Internal Ref: ""
type mappingFile struct {
	File           string            `yaml:"file,omitempty"`
	Confidence     core.Confidence   `yaml:"confidence,omitempty"`
	Notes          string            `yaml:"notes,omitempty"`
	SkipDuplicates bool              `yaml:"skip_duplicates"`
	Mapping        map[string]string `yaml:"mapping"`
}

func readMappingFile(path string) (*mappingFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mf mappingFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: empty mapping file", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if mf.Mapping == nil {
		return nil, fmt.Errorf("%s: no mapping section", path)
	}
	return &mf, nil
}

func writeMappingFile(w io.Writer, mf *mappingFile) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(mf); err != nil {
		return err
	}
	return enc.Close()
}
