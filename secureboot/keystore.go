// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

const (
	keyFileName  = "refind_local.key"
	certFileName = "refind_local.crt"

	// Distinguished name template for locally generated signing certificates.
	keyPairSubject = "/CN=Locally-generated rEFInd secure boot key/"

	// Validity horizon. Re-enrolling a MOK is disruptive enough that the
	// certificate should outlive the installation.
	keyPairValidityDays = 3650
)

// KeyPair is the local signing key hierarchy used to sign the boot manager.
// Both paths exist together or neither does.
type KeyPair struct {
	KeyPath   string
	CertPath  string
	CreatedAt time.Time
}

// CertIssuer issues a self-signed certificate and key as files.
// Implementations are treated as pure file-in/file-out functions.
type CertIssuer interface {
	GenerateSelfSigned(keyPath, certPath, subject string, validityDays int) error
}

// OpenSSLIssuer generates key pairs with the openssl binary.
type OpenSSLIssuer struct {
	Runner CommandRunner
}

func (i OpenSSLIssuer) GenerateSelfSigned(keyPath, certPath, subject string, validityDays int) error {
	return i.Runner.Run("openssl", "req", "-x509", "-newkey", "rsa:2048", "-nodes",
		"-keyout", keyPath, "-out", certPath,
		"-days", fmt.Sprintf("%d", validityDays), "-subj", subject)
}

// KeyStore owns the local signing key pair under a fixed directory.
type KeyStore struct {
	dir    string
	issuer CertIssuer
	log    *slog.Logger
}

// NewKeyStore returns a KeyStore rooted at dir.
func NewKeyStore(dir string, issuer CertIssuer, log *slog.Logger) *KeyStore {
	return &KeyStore{dir: dir, issuer: issuer, log: log}
}

// EnsureKeyPair returns the existing key pair unchanged, generates a fresh one
// if neither half exists, and fails with CorruptKeyStateError if exactly one
// half exists. Existing keys are never overwritten: the certificate may
// already be enrolled in firmware. The second return value reports whether a
// new pair was generated.
func (ks *KeyStore) EnsureKeyPair() (*KeyPair, bool, error) {
	keyPath := filepath.Join(ks.dir, keyFileName)
	certPath := filepath.Join(ks.dir, certFileName)

	keyExists := FileExists(keyPath)
	certExists := FileExists(certPath)

	switch {
	case keyExists && certExists:
		ks.log.Info("reusing existing signing key pair", "cert", certPath)
		pair, err := newKeyPair(keyPath, certPath)
		return pair, false, err
	case keyExists != certExists:
		return nil, false, &CorruptKeyStateError{KeyPath: keyPath, CertPath: certPath, KeyExists: keyExists}
	}

	if err := appFs.MkdirAll(ks.dir, 0700); err != nil {
		return nil, false, fmt.Errorf("cannot create key directory %s: %w", ks.dir, err)
	}
	ks.log.Info("generating signing key pair", "dir", ks.dir, "validity_days", keyPairValidityDays)
	if err := ks.issuer.GenerateSelfSigned(keyPath, certPath, keyPairSubject, keyPairValidityDays); err != nil {
		return nil, false, fmt.Errorf("cannot generate key pair: %w", err)
	}
	// The issuer's exit status is not trusted on its own.
	if !FileExists(keyPath) || !FileExists(certPath) {
		return nil, false, fmt.Errorf("issuer reported success but key pair is incomplete under %s", ks.dir)
	}
	if err := verifyKeyPair(keyPath, certPath); err != nil {
		return nil, false, fmt.Errorf("generated key pair is invalid: %w", err)
	}
	pair, err := newKeyPair(keyPath, certPath)
	return pair, true, err
}

func newKeyPair(keyPath, certPath string) (*KeyPair, error) {
	info, err := appFs.Stat(certPath)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyPath: keyPath, CertPath: certPath, CreatedAt: info.ModTime()}, nil
}

// verifyKeyPair checks that both halves parse as PEM and that the certificate
// is a valid X.509 certificate.
func verifyKeyPair(keyPath, certPath string) error {
	keyPEM, err := ReadFileBytes(keyPath)
	if err != nil {
		return err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || !isPrivateKeyPEMType(keyBlock.Type) {
		return errors.New("private key is not a PEM-encoded private key")
	}

	certPEM, err := ReadFileBytes(certPath)
	if err != nil {
		return err
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return errors.New("certificate is not a PEM-encoded certificate")
	}
	if _, err := x509.ParseCertificate(certBlock.Bytes); err != nil {
		return fmt.Errorf("cannot parse certificate: %w", err)
	}
	return nil
}

func isPrivateKeyPEMType(blockType string) bool {
	return blockType == "PRIVATE KEY" || blockType == "RSA PRIVATE KEY" || blockType == "EC PRIVATE KEY"
}
