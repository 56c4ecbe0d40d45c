package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PhucNguyen204/chatcrm/pkg/automation"
)

func isYAML(p string) bool {
	l := strings.ToLower(p)
	return strings.HasSuffix(l, ".yml") || strings.HasSuffix(l, ".yaml")
}

// LoadDirRecursive reads every YAML file under root in lexical order and
// returns the automations they define. Names must be unique across files.
func LoadDirRecursive(root string) ([]automation.Automation, error) {
	var out []automation.Automation
	seen := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil { return err }
		if d.IsDir() || !isYAML(p) { return nil }
		b, err := os.ReadFile(p); if err != nil { return err }
		as, err := automation.LoadYAML(b)
		if err != nil { return fmt.Errorf("%s: %w", p, err) }
		for _, a := range as {
			if prev, dup := seen[a.Name]; dup {
				return fmt.Errorf("%s: automation %q already defined in %s", p, a.Name, prev)
			}
			seen[a.Name] = p
			out = append(out, a)
		}
		return nil
	})
	return out, err
}
