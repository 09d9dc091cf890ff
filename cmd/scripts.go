// File: cmd/scripts.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/engine"
	"github.com/xkilldash9x/scriptmonkey/internal/observability"
	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/scriptdir"
	"github.com/xkilldash9x/scriptmonkey/internal/service"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

func newScriptsCmd() *cobra.Command {
	scriptsCmd := &cobra.Command{
		Use:   "scripts",
		Short: "Manage installed userscripts",
	}
	scriptsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List userscripts in injection order",
			Args:  cobra.NoArgs,
			RunE: withComponents(func(cmd *cobra.Command, c *service.Components, _ []string) error {
				return printScripts(cmd, c.Registry.List())
			}),
		},
		&cobra.Command{
			Use:   "install <file|url>",
			Short: "Install a userscript, or update it when the version is newer",
			Args:  cobra.ExactArgs(1),
			RunE: withComponents(func(cmd *cobra.Command, c *service.Components, args []string) error {
				return installScript(cmd, c, args[0])
			}),
		},
		&cobra.Command{
			Use:     "remove <name|id>",
			Aliases: []string{"rm", "uninstall"},
			Short:   "Remove a userscript and delete its file",
			Args:    cobra.ExactArgs(1),
			RunE: withComponents(func(cmd *cobra.Command, c *service.Components, args []string) error {
				return removeScript(cmd, c, args[0])
			}),
		},
		registryCmd("enable", "Enable a userscript", func(r *registry.Registry, id string) error { return r.Enable(id) }),
		registryCmd("disable", "Disable a userscript", func(r *registry.Registry, id string) error { return r.Disable(id) }),
		registryCmd("up", "Move a userscript one place earlier in the injection order", func(r *registry.Registry, id string) error { return r.MoveUp(id) }),
		registryCmd("down", "Move a userscript one place later in the injection order", func(r *registry.Registry, id string) error { return r.MoveDown(id) }),
	)
	return scriptsCmd
}

// withComponents loads the scripts dir and state file around fn. Registry changes
// made by fn are saved to the state file as they happen.
func withComponents(fn func(*cobra.Command, *service.Components, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := configFrom(cmd)
		if err != nil {
			return err
		}
		c, err := service.New(cmd.Context(), cfg, observability.GetLogger(), service.WithVersion(Version))
		if err != nil {
			return fmt.Errorf("failed to initialize components: %w", err)
		}
		defer c.Shutdown()
		if err := c.LoadScripts(); err != nil {
			return err
		}
		return fn(cmd, c, args)
	}
}

func registryCmd(use, short string, op func(*registry.Registry, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name|id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withComponents(func(cmd *cobra.Command, c *service.Components, args []string) error {
			d, err := resolveScript(c.Registry, args[0])
			if err != nil {
				return err
			}
			if err := op(c.Registry, d.ID); err != nil {
				return err
			}
			return printScripts(cmd, c.Registry.List())
		}),
	}
}

// resolveScript finds a script by exact id, case-insensitive name or unique id
// prefix.
func resolveScript(r *registry.Registry, ref string) (*userscript.Descriptor, error) {
	var byPrefix []*userscript.Descriptor
	for _, d := range r.List() {
		if d.ID == ref || strings.EqualFold(d.Name, ref) {
			return d, nil
		}
		if strings.HasPrefix(d.ID, ref) {
			byPrefix = append(byPrefix, d)
		}
	}
	switch len(byPrefix) {
	case 1:
		return byPrefix[0], nil
	case 0:
		return nil, fmt.Errorf("%q: %w", ref, registry.ErrNotFound)
	default:
		return nil, fmt.Errorf("%q matches %d scripts", ref, len(byPrefix))
	}
}

func printScripts(cmd *cobra.Command, list []*userscript.Descriptor) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tENABLED\tNAME\tVERSION\tRUN-AT\tID")
	for _, d := range list {
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\t%s\n", d.Order, d.Enabled, d.Name, d.Version, d.RunPhase.RunAt(), d.ID[:8])
	}
	return w.Flush()
}

func installScript(cmd *cobra.Command, c *service.Components, ref string) error {
	source, err := readScript(cmd.Context(), c, ref)
	if err != nil {
		return err
	}
	d, action, err := c.Engine.Install(source)
	if err != nil {
		return err
	}
	if action != engine.Unchanged {
		path := scriptPath(c, d)
		if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		observability.GetLogger().Debug("Userscript written", zap.String("file", path))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", action, d.Name, d.Version)
	return nil
}

func readScript(ctx context.Context, c *service.Components, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return c.Fetcher.FetchText(ctx, ref)
	}
	raw, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// scriptPath returns the file already holding d, or a new file named after it.
func scriptPath(c *service.Components, d *userscript.Descriptor) string {
	for path, id := range c.Scripts.Files() {
		if id == d.ID {
			return path
		}
	}
	return filepath.Join(c.Scripts.Path(), slug(d.Name)+scriptdir.Suffix)
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "script"
	}
	return s
}

func removeScript(cmd *cobra.Command, c *service.Components, ref string) error {
	d, err := resolveScript(c.Registry, ref)
	if err != nil {
		return err
	}
	if err := c.Engine.Uninstall(d.ID); err != nil {
		return err
	}
	for path, id := range c.Scripts.Files() {
		if id != d.ID {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", d.Name)
	return nil
}
