package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// ScanVerdict is the answer of a malware scanning provider.
type ScanVerdict struct {
	Clean     bool   `json:"clean"`
	Provider  string `json:"provider"`
	Signature string `json:"signature,omitempty"`
}

// MalwareScanner defines the interface every scanning backend must implement.
// An error means the content could not be scanned; callers treat it as unsafe.
type MalwareScanner interface {
	Scan(ctx context.Context, filename string, content []byte) (ScanVerdict, error)
	Name() string
}

// Signature is one byte pattern known to be malicious.
type Signature struct {
	Name    string
	Pattern []byte
}

// DefaultSignatures covers the EICAR test file and a few office-macro and dropper markers.
var DefaultSignatures = []Signature{
	{Name: "EICAR-Test-File", Pattern: []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)},
	{Name: "Office.Macro.AutoOpen", Pattern: []byte("Auto_Open")},
	{Name: "Office.Macro.VBAProject", Pattern: []byte("vbaProject.bin")},
	{Name: "Script.PowerShell.EncodedCommand", Pattern: []byte("powershell -enc")},
	{Name: "Script.PowerShell.DownloadString", Pattern: []byte("DownloadString(")},
	{Name: "Script.WScript.Shell", Pattern: []byte("WScript.Shell")},
}

// SignatureScanner matches content against a fixed signature list and an optional
// set of known-bad SHA-256 digests.
type SignatureScanner struct {
	signatures []Signature
	badHashes  map[string]string
}

func NewSignatureScanner(signatures []Signature, badHashes map[string]string) *SignatureScanner {
	if signatures == nil {
		signatures = DefaultSignatures
	}
	if badHashes == nil {
		badHashes = map[string]string{}
	}
	return &SignatureScanner{signatures: signatures, badHashes: badHashes}
}

func (s *SignatureScanner) Name() string { return "signature" }

func (s *SignatureScanner) Scan(ctx context.Context, _ string, content []byte) (ScanVerdict, error) {
	if err := ctx.Err(); err != nil {
		return ScanVerdict{}, err
	}

	sum := sha256.Sum256(content)
	if name, ok := s.badHashes[hex.EncodeToString(sum[:])]; ok {
		return ScanVerdict{Clean: false, Provider: s.Name(), Signature: name}, nil
	}

	lower := bytes.ToLower(content)
	for _, sig := range s.signatures {
		if bytes.Contains(content, sig.Pattern) || bytes.Contains(lower, bytes.ToLower(sig.Pattern)) {
			return ScanVerdict{Clean: false, Provider: s.Name(), Signature: sig.Name}, nil
		}
	}
	return ScanVerdict{Clean: true, Provider: s.Name()}, nil
}
