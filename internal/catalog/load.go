package catalog

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/linnemanlabs/go-core/log"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog document.
//
//	components:
//	  - name: engine
//	    keywords: overheat, coolant temp
//	    severity: 9
//	    occurrence: 6
//	    detection: 3
type File struct {
	Components []Row `yaml:"components"`
}

// Decode reads a YAML catalog document and builds a Catalog. Rejected rows
// are returned alongside; a non-nil error means the document itself could
// not be read.
func Decode(r io.Reader) (*Catalog, []*EntryError, error) {
	var f File
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("decode catalog: %w", err)
	}
	c, errs := New(f.Components)
	return c, errs, nil
}

// LoadFile reads the catalog at path. Each rejected row is logged, skipped
// and returned.
func LoadFile(ctx context.Context, path string, L log.Logger) (*Catalog, []*EntryError, error) {
	if L == nil {
		L = log.Nop()
	}

	fh, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = fh.Close() }()

	c, rejected, err := Decode(fh)
	if err != nil {
		return nil, nil, err
	}
	for _, re := range rejected {
		L.Warn(ctx, "catalog entry rejected",
			"row", re.Index,
			"name", re.Name,
			"field", re.Field,
			"reason", re.Reason,
		)
	}
	L.Info(ctx, "catalog loaded", "path", path, "entries", c.Len(), "rejected", len(rejected))
	return c, rejected, nil
}
