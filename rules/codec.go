package rules

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

//go:embed default_tree.json
var defaultTreeJSON []byte

// rawDocument keeps the config optional so that absent fields fall back to defaults
type rawDocument struct {
	Version string        `json:"version"`
	Date    string        `json:"date"`
	Config  *MarginPatch  `json:"config"`
	Tree    *DecisionNode `json:"tree"`
}

// Import decodes and validates a tree document. Both the versioned envelope
// and the legacy bare tree are accepted; config fields that are missing keep
// their default value. UI-only fields are dropped. A document that fails
// validation is returned together with a *ValidationError so callers can show
// the parsed tree next to the diagnostics.
func Import(data []byte) (*Document, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		return nil, &ValidationError{Issues: []Issue{{Path: "$", Message: "document must be a JSON object"}}}
	}

	docSch, nodeSch, err := compiledSchemas()
	if err != nil {
		return nil, err
	}

	doc := &Document{Version: CurrentVersion, Config: DefaultMargins()}

	if _, wrapped := obj["tree"]; wrapped {
		if err := docSch.Validate(generic); err != nil {
			return nil, schemaError(err)
		}
		var raw rawDocument
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		if raw.Version != "" {
			doc.Version = raw.Version
		}
		doc.Date = raw.Date
		if raw.Config != nil {
			doc.Config = doc.Config.Apply(*raw.Config)
		}
		doc.Tree = raw.Tree
	} else {
		// Legacy format: the tree object itself
		if err := nodeSch.Validate(generic); err != nil {
			return nil, schemaError(err)
		}
		var tree DecisionNode
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to decode tree: %w", err)
		}
		doc.Tree = &tree
	}

	if err := ValidateDocument(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func schemaError(err error) error {
	return &ValidationError{Issues: []Issue{{Path: "$", Message: err.Error()}}}
}

// Export encodes a document in the versioned envelope format. The output is
// normalized: config carries every margin, defaults included, and every node
// carries a branches array, empty when the source omitted it. Export then
// Import keeps the digest, not the source bytes.
func Export(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("nothing to export")
	}
	out := *doc
	if out.Version == "" {
		out.Version = CurrentVersion
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest returns the SHA-256 of the canonical (RFC 8785) encoding of the
// document's config and tree. The export date does not take part, so
// re-importing the same tree yields the same digest.
func Digest(doc *Document) (string, error) {
	data, err := json.Marshal(struct {
		Version string        `json:"version"`
		Config  MarginConfig  `json:"config"`
		Tree    *DecisionNode `json:"tree"`
	}{doc.Version, doc.Config, doc.Tree})
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DefaultDocument returns the built-in tree served until a tree is published
func DefaultDocument() (*Document, error) {
	doc, err := Import(defaultTreeJSON)
	if err != nil {
		return nil, fmt.Errorf("default tree: %w", err)
	}
	return doc, nil
}
