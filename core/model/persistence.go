package model

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/YuminosukeSato/flowfid/pkg/errors"
)

// SaveModel gob-encodes v into filename, creating or truncating it.
//
//	err := model.SaveModel(glow.Params(), "glow.gob")
func SaveModel(v interface{}, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "create %s", filename)
	}
	if err := SaveModelToWriter(v, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "close %s", filename)
}

// LoadModel gob-decodes filename into v, which must be a pointer.
func LoadModel(v interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}
	defer file.Close()
	return LoadModelFromReader(v, file)
}

// SaveModelToWriter gob-encodes v into w.
func SaveModelToWriter(v interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadModelFromReader gob-decodes r into v.
func LoadModelFromReader(v interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
