package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/qubes-proxy/internal/dispatch"
	"github.com/mattjoyce/qubes-proxy/internal/inventory"
	"github.com/mattjoyce/qubes-proxy/internal/localexec"
	"github.com/mattjoyce/qubes-proxy/internal/playbook"
	"github.com/mattjoyce/qubes-proxy/internal/report"
	"github.com/mattjoyce/qubes-proxy/internal/rpc"
	"github.com/mattjoyce/qubes-proxy/internal/session"
	"github.com/mattjoyce/qubes-proxy/internal/workspace"
	"github.com/mattjoyce/qubes-proxy/internal/workunit"
)

const defaultInventory = "/etc/ansible/hosts"

// runFlags mirror the ansible-playbook flags that are forwarded.
type runFlags struct {
	inventory     string
	limit         string
	extraVars     []string
	forks         int
	verbosity     int
	tags          []string
	skipTags      []string
	check         bool
	diff          bool
	forceHandlers bool
	flushCache    bool
}

func (f *runFlags) options() rpc.Options {
	return rpc.Options{
		Verbosity:     f.verbosity,
		Tags:          splitList(f.tags),
		SkipTags:      splitList(f.skipTags),
		Check:         f.check,
		Diff:          f.diff,
		ForceHandlers: f.forceHandlers,
		FlushCache:    f.flushCache,
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] playbook.yml",
		Short: "Run a playbook, proxying remote hosts through management disposables",
		Long: `Run executes every play of the playbook in order. For each play, hosts that
are the control point run locally with ansible-playbook; every other host
runs inside its own management disposable, up to --forks at a time.

The exit code is the highest exit code of any host. The run stops after
the first play that did not succeed everywhere.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd, f.verbosity)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("forks") {
				cfg.Dispatch.Forks = f.forks
			}

			inv, err := inventory.Load(f.inventory)
			if err != nil {
				return err
			}
			pb, err := playbook.Load(args[0])
			if err != nil {
				return err
			}
			inv.AddVarsDir(pb.Dir())

			extra, err := parseExtraVars(f.extraVars)
			if err != nil {
				return err
			}

			store, err := newPolicyStore(cfg, logger)
			if err != nil {
				return err
			}
			// Grants are only honoured when the system policy includes them.
			if err := store.Setup(); err != nil {
				return fmt.Errorf("policy setup: %w", err)
			}
			wsMgr, err := workspace.NewFSManager(cfg.Workspace.BaseDir, "")
			if err != nil {
				return err
			}
			units := &workunit.Builder{
				Inventory: inv,
				Roles:     playbook.RoleResolver{SearchPaths: cfg.Ansible.RolesPath},
				ExtraVars: extra,
			}
			opts := f.options()
			runner := session.NewRunner(sessionConfig(cfg, opts), newVMManager(logger), store, wsMgr, units, logger)

			printer := report.NewPrinter(cmd.OutOrStdout())
			coord := dispatch.NewCoordinator(dispatch.Config{
				Forks:       cfg.Dispatch.Forks,
				FailureCode: cfg.Dispatch.FailureCode,
			}, runner, logger)
			coord.OnResult = printer.Result
			coord.OnError = printer.Error

			local := localexec.New(localexec.Config{
				Binary:    cfg.Ansible.Binary,
				Inventory: f.inventory,
				ExtraVars: f.extraVars,
				Options:   opts,
				Stdout:    cmd.OutOrStdout(),
				Stderr:    cmd.ErrOrStderr(),
			}, logger)

			matcher := dispatch.LocalMatcher{
				ControlPoint: cfg.Dispatch.ControlPoint,
				Aliases:      cfg.Dispatch.Aliases,
				Connection:   func(h string) string { return inv.Connection(h, extra) },
			}
			round := dispatch.NewRound(local, coord, matcher.IsLocal, logger)

			code, err := runPlays(cmd.Context(), round, pb, hostResolver(inv, f.limit), printer)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.inventory, "inventory", "i", envOr("ANSIBLE_INVENTORY", defaultInventory), "inventory file, directory or comma separated host list")
	fl.StringVarP(&f.limit, "limit", "l", "", "further limit hosts to this pattern")
	fl.StringArrayVarP(&f.extraVars, "extra-vars", "e", nil, "extra variables as key=value, YAML/JSON, or @file")
	fl.IntVarP(&f.forks, "forks", "f", 5, "number of management disposables to run in parallel")
	fl.CountVarP(&f.verbosity, "verbose", "v", "verbose mode (-vvv for debug logging)")
	fl.StringArrayVarP(&f.tags, "tags", "t", nil, "only run plays and tasks tagged with these values")
	fl.StringArrayVar(&f.skipTags, "skip-tags", nil, "only run plays and tasks whose tags do not match these values")
	fl.BoolVarP(&f.check, "check", "C", false, "don't make any changes; predict what would change")
	fl.BoolVarP(&f.diff, "diff", "D", false, "show differences when changing files and templates")
	fl.BoolVar(&f.forceHandlers, "force-handlers", false, "run handlers even if a task fails")
	fl.BoolVar(&f.flushCache, "flush-cache", false, "clear the fact cache for every host in inventory")
	return cmd
}

func runPlays(ctx context.Context, round *dispatch.Round, pb *playbook.Playbook, hosts dispatch.HostResolver, printer *report.Printer) (int, error) {
	reports, code, err := round.RunPlays(ctx, pb.Plays, hosts)
	printer.Recap(reports, code)
	return code, err
}

// hostResolver matches a play's hosts pattern, intersected with limit when
// one is given.
func hostResolver(inv *inventory.Inventory, limit string) dispatch.HostResolver {
	return func(play *playbook.Play) ([]string, error) {
		hosts, err := inv.Match(play.Hosts)
		if err != nil {
			return nil, fmt.Errorf("play %q: %w", play.DisplayName(), err)
		}
		if limit == "" {
			return hosts, nil
		}
		allowed, err := inv.Match(limit)
		if err != nil {
			return nil, fmt.Errorf("limit %q: %w", limit, err)
		}
		return slices.DeleteFunc(hosts, func(h string) bool { return !slices.Contains(allowed, h) }), nil
	}
}

// parseExtraVars merges -e values in order: @file, inline YAML/JSON
// mappings, or space separated key=value pairs.
func parseExtraVars(values []string) (map[string]any, error) {
	out := map[string]any{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		var vars map[string]any
		switch {
		case v == "":
			continue
		case strings.HasPrefix(v, "@"):
			m, err := inventory.LoadVarsFile(strings.TrimPrefix(v, "@"))
			if err != nil {
				return nil, fmt.Errorf("extra vars %s: %w", v, err)
			}
			vars = m
		case strings.HasPrefix(v, "{"):
			if err := yaml.Unmarshal([]byte(v), &vars); err != nil {
				return nil, fmt.Errorf("extra vars %q: %w", v, err)
			}
		default:
			vars = map[string]any{}
			for _, kv := range strings.Fields(v) {
				k, val, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("extra vars %q: expected key=value", kv)
				}
				vars[k] = val
			}
		}
		for k, val := range vars {
			out[k] = val
		}
	}
	return out, nil
}

// splitList flattens repeated, comma separated flag values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// fprintf writes best-effort command output.
func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
