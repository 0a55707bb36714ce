package manifest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/protocol"
)

// Load reads a compiled manifest tree from a .json, .yaml or .yml file.
func Load(path string) (*protocol.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeManifestLoad, "failed to read manifest").
			WithContext("path", path)
	}
	root, err := Parse(data, filepath.Ext(path))
	if err != nil {
		if e, ok := bterrors.As(err); ok {
			e.WithContext("path", path)
		}
		return nil, err
	}
	return root, nil
}

// Parse decodes a manifest tree; ext selects the format (".json" or ".yaml").
func Parse(data []byte, ext string) (*protocol.Node, error) {
	var root protocol.Node
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&root); err != nil {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeManifestInvalid, "failed to parse manifest")
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&root); err != nil {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeManifestInvalid, "failed to parse manifest")
		}
	default:
		return nil, bterrors.Newf(bterrors.ErrCodeManifestLoad, "unsupported manifest format %q", ext)
	}
	if err := ValidateNode(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// ValidateNode checks that every node, step and assertion is described.
func ValidateNode(n *protocol.Node) error {
	return validateNode(n, nil)
}

func validateNode(n *protocol.Node, parent []string) error {
	if n == nil {
		return bterrors.New(bterrors.ErrCodeManifestInvalid, "nil node").
			WithContext("parent", strings.Join(parent, " > "))
	}
	if strings.TrimSpace(n.Description) == "" {
		return bterrors.New(bterrors.ErrCodeManifestInvalid, "node without description").
			WithContext("parent", strings.Join(parent, " > "))
	}
	path := append(append([]string(nil), parent...), n.Description)
	for _, entries := range [][]protocol.Entry{n.Steps, n.Assertions} {
		for i, e := range entries {
			if strings.TrimSpace(e.Description) == "" {
				return bterrors.Newf(bterrors.ErrCodeManifestInvalid, "entry %d without description", i).
					WithContext("node", strings.Join(path, " > "))
			}
			if _, err := parseMode(e.Mode); err != nil {
				return bterrors.Wrap(err, bterrors.ErrCodeManifestInvalid, "invalid mode").
					WithContext("node", strings.Join(path, " > "))
			}
		}
	}
	seen := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		if err := validateNode(c, path); err != nil {
			return err
		}
		// Lanes address children by description alone.
		if seen[c.Description] {
			return bterrors.New(bterrors.ErrCodeManifestInvalid, "duplicate sibling description").
				WithContext("node", strings.Join(append(path, c.Description), " > "))
		}
		seen[c.Description] = true
	}
	return nil
}
