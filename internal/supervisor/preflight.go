package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/scaffold"
)

const taggerPackage = "vite-plugin-jsx-tagger"

// preflight heals a project directory before spawn: the tagger plugin must
// be present in the manifest and installed, and the bundler config must
// carry the base path, HMR client section, and tagger plugin. AI-edited
// projects routinely lose all three.
func (s *Supervisor) preflight(ctx context.Context, dir, projectID string) error {
	healed, err := s.ensureTaggerDep(dir)
	if err != nil {
		return err
	}
	if err := s.ensureViteConfig(dir, projectID); err != nil {
		return err
	}

	if healed {
		s.logger.Info("manifest healed, reinstalling dependencies",
			zap.String("project", projectID))
		if result := s.deps.Reinstall(ctx, dir); !result.Success {
			return fmt.Errorf("dependency reinstall failed: %s",
				strings.Join(result.Logs, "; "))
		}
		return nil
	}
	if result := s.deps.Install(ctx, dir); !result.Success {
		return fmt.Errorf("dependency install failed: %s",
			strings.Join(result.Logs, "; "))
	}
	return nil
}

// ensureTaggerDep adds the tagger plugin to devDependencies when missing.
// Returns true when the manifest was rewritten.
func (s *Supervisor) ensureTaggerDep(dir string) (bool, error) {
	manifestPath := filepath.Join(dir, "package.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return false, fmt.Errorf("read package.json: %w", err)
	}

	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return false, fmt.Errorf("parse package.json: %w", err)
	}

	for _, section := range []string{"dependencies", "devDependencies"} {
		var m map[string]string
		if rawSection, ok := manifest[section]; ok {
			if err := json.Unmarshal(rawSection, &m); err == nil {
				if _, ok := m[taggerPackage]; ok {
					return false, nil
				}
			}
		}
	}

	spec := s.opts.TaggerDep
	if spec == "" {
		spec = scaffold.DefaultTaggerDep
	}

	devDeps := map[string]string{}
	if rawSection, ok := manifest["devDependencies"]; ok {
		json.Unmarshal(rawSection, &devDeps)
	}
	devDeps[taggerPackage] = spec

	encoded, err := json.Marshal(devDeps)
	if err != nil {
		return false, err
	}
	manifest["devDependencies"] = encoded

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(manifestPath, append(out, '\n'), 0644); err != nil {
		return false, fmt.Errorf("write package.json: %w", err)
	}
	return true, nil
}

var (
	aliasPattern       = regexp.MustCompile(`(?s)alias\s*:\s*\{[^{}]*\}`)
	importLinePattern  = regexp.MustCompile(`(?m)^import\s+.+$`)
	knownImportSources = []string{"vite", "@vitejs/plugin-react", taggerPackage, "path", "node:path", "url", "node:url"}
)

// ensureViteConfig regenerates the bundler config when any required section
// is missing, carrying forward user alias blocks and extra import lines.
func (s *Supervisor) ensureViteConfig(dir, projectID string) error {
	configPath := filepath.Join(dir, "vite.config.ts")
	raw, err := os.ReadFile(configPath)
	existing := string(raw)

	intact := err == nil &&
		strings.Contains(existing, fmt.Sprintf(`base: "/p/%s/"`, projectID)) &&
		strings.Contains(existing, "hmr") &&
		strings.Contains(existing, "jsxTagger")
	if intact {
		return nil
	}

	idPrefix := projectID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	generated, genErr := scaffold.ViteConfig(scaffold.Config{
		ProjectID:   projectID,
		PublicHost:  s.opts.PublicHost,
		PublicHTTPS: s.opts.PublicHTTPS,
		PublicPort:  s.opts.PublicPort,
		IDPrefix:    idPrefix,
	})
	if genErr != nil {
		return fmt.Errorf("regenerate vite.config.ts: %w", genErr)
	}

	if err == nil {
		generated = carryForward(existing, generated)
	}

	s.logger.Info("regenerated vite.config.ts", zap.String("project", projectID))
	if err := os.WriteFile(configPath, []byte(generated), 0644); err != nil {
		return fmt.Errorf("write vite.config.ts: %w", err)
	}
	return nil
}

// carryForward preserves a user alias block and any extra imports from a
// broken config inside the regenerated one.
func carryForward(old, generated string) string {
	var extraImports []string
	for _, line := range importLinePattern.FindAllString(old, -1) {
		if !isKnownImport(line) && !strings.Contains(generated, line) {
			extraImports = append(extraImports, line)
		}
	}
	if len(extraImports) > 0 {
		block := strings.Join(extraImports, "\n")
		if idx := strings.Index(generated, "\n\n"); idx >= 0 {
			generated = generated[:idx+1] + block + generated[idx+1:]
		} else {
			generated = block + "\n" + generated
		}
	}

	if alias := aliasPattern.FindString(old); alias != "" && !strings.Contains(generated, "alias") {
		resolve := "  resolve: {\n    " + alias + ",\n  },\n"
		if idx := strings.LastIndex(generated, "});"); idx >= 0 {
			generated = generated[:idx] + resolve + generated[idx:]
		}
	}
	return generated
}

func isKnownImport(line string) bool {
	for _, source := range knownImportSources {
		if strings.Contains(line, `"`+source+`"`) || strings.Contains(line, `'`+source+`'`) {
			return true
		}
	}
	return false
}
