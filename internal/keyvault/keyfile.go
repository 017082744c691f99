package keyvault

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const keyFileVersion = 1

// keyFile is the on-disk JSON format used to move a sealed master key
// between an offline provisioning host and the processor.
type keyFile struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Record    Record    `json:"master_key"`
}

// WriteKeyFile writes rec to path. It refuses to overwrite an existing file.
func WriteKeyFile(path string, rec *Record) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}
	data, err := json.MarshalIndent(keyFile{
		Version:   keyFileVersion,
		CreatedAt: time.Now().UTC(),
		Record:    *rec,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// ReadKeyFile reads a record written by WriteKeyFile.
func ReadKeyFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	if kf.Record.Name == "" || kf.Record.AccountXPub == "" {
		return nil, fmt.Errorf("key file %s is incomplete", path)
	}
	return &kf.Record, nil
}
