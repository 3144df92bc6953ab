package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/geo"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// withApp loads the config, wires the app and runs fn against it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := buildApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildPayoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Run or inspect the payout scheduler",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one payout batch now, regardless of the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.payouts.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})

	var from string
	next := &cobra.Command{
		Use:   "next",
		Short: "Print the next scheduled payout run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sched, err := cfg.Payout.Schedule()
			if err != nil {
				return err
			}
			now := time.Now()
			if from != "" {
				if now, err = time.Parse(time.RFC3339, from); err != nil {
					return errors.Wrap(err, "parse --from")
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schedule:  %s\n", sched)
			fmt.Fprintf(out, "run today: %t\n", sched.IsScheduledRunDay(now))
			fmt.Fprintf(out, "next run:  %s\n", sched.NextScheduledRunDate(now).Format(time.RFC3339))
			return nil
		},
	}
	next.Flags().StringVar(&from, "from", "", "reference time in RFC3339 (default: now)")
	cmd.AddCommand(next)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print ledger totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.payouts.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	})
	return cmd
}

func buildNotifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Work the persisted notification queue",
	}

	var maxPasses int
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Deliver everything currently due, then persist what is left",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.restoreQueue(); err != nil {
					return err
				}
				var total int
				for i := 0; i < maxPasses; i++ {
					res := a.queue.ProcessOnce(ctx)
					total += res.Delivered
					if res.Due == 0 {
						break
					}
				}
				if err := a.persistQueue(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, %d still queued\n", total, a.queue.Len())
				return nil
			})
		},
	}
	drain.Flags().IntVar(&maxPasses, "max-passes", 10, "stop after this many delivery passes")
	cmd.AddCommand(drain)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print stats for the persisted queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.restoreQueue(); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.queue.Stats())
			})
		},
	})
	return cmd
}

func buildSLACommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sla",
		Short: "SLA reminders and escalations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan active jobs once and queue reminders and escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.restoreQueue(); err != nil {
					return err
				}
				res, err := a.jobs.ScanSLA(ctx)
				if err != nil {
					return err
				}
				if err := a.persistQueue(); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

func buildDistanceCommand() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "distance LAT1 LNG1 LAT2 LNG2",
		Short: "Great-circle distance between two points",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v [4]float64
			for i, s := range args {
				f, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return errors.Wrapf(err, "argument %d", i+1)
				}
				v[i] = f
			}
			a := types.Coordinates{Lat: v[0], Lng: v[1]}
			b := types.Coordinates{Lat: v[2], Lng: v[3]}
			if !geo.ValidCoordinates(a) || !geo.ValidCoordinates(b) {
				return errors.New("coordinates out of range")
			}
			u, suffix, err := parseUnit(unit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.2f %s\n", geo.Distance(a, b, u), suffix)
			return nil
		},
	}
	cmd.Flags().StringVarP(&unit, "unit", "u", "mi", "mi, km or m")
	return cmd
}

func parseUnit(s string) (geo.Unit, string, error) {
	switch strings.ToLower(s) {
	case "mi", "miles":
		return geo.Miles, "mi", nil
	case "km", "kilometers":
		return geo.Kilometers, "km", nil
	case "m", "meters":
		return geo.Meters, "m", nil
	default:
		return 0, "", errors.Newf("unknown unit %q", s)
	}
}

func buildAuditCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "audit WAL path (default: audit.wal_path from config)")

	path := func() (string, error) {
		if file != "" {
			return file, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		if cfg.Audit.WALPath == "" {
			return "", errors.New("audit log is disabled in config; pass --file")
		}
		return cfg.Audit.WALPath, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every audit event",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check checksums and sequence numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path()
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return err
			}
			n, err := wal.CountEvents(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events, ok\n", p, n)
			return nil
		},
	})
	return cmd
}

// importFile is the YAML shape accepted by the import command.
type importFile struct {
	Properties []importProperty `yaml:"properties"`
	Agents     []importAgent    `yaml:"agents"`
}

type importProperty struct {
	ID           string            `yaml:"id"`
	Location     types.Coordinates `yaml:"location"`
	AddressLine1 string            `yaml:"address_line1"`
	City         string            `yaml:"city"`
	State        string            `yaml:"state"`
	ZipCode      string            `yaml:"zip_code"`
}

type importAgent struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	Email               string            `yaml:"email"`
	HomeBase            types.Coordinates `yaml:"home_base"`
	CoverageRadiusMiles float64           `yaml:"coverage_radius_miles"`
	Qualifications      []types.JobType   `yaml:"qualifications"`
	Active              *bool             `yaml:"active"` // default true
}

func buildImportCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load properties and agents from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read %s", file)
			}
			var in importFile
			if err := yaml.Unmarshal(data, &in); err != nil {
				return errors.Wrapf(err, "parse %s", file)
			}
			store, err := openStore(cfg.Storage, logger.Named("import"))
			if err != nil {
				return err
			}
			defer store.Close()

			props, agents, err := importRegistry(cmd.Context(), store, &in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d properties, %d agents\n", props, agents)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with properties and agents")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// importRegistry validates every entry before writing any, so a bad file
// leaves the registry untouched. The writes themselves are plain upserts,
// not one transaction: a store error partway returns the counts already
// written, and rerunning the same file is safe.
func importRegistry(ctx context.Context, reg storage.Registry, in *importFile) (int, int, error) {
	properties := make([]*types.Property, 0, len(in.Properties))
	for i, p := range in.Properties {
		if p.ID == "" {
			return 0, 0, errors.Newf("property %d: id is required", i)
		}
		if !geo.ValidCoordinates(p.Location) {
			return 0, 0, errors.Newf("property %s: invalid location", p.ID)
		}
		properties = append(properties, &types.Property{
			ID:           types.PropertyID(p.ID),
			Location:     p.Location,
			AddressLine1: p.AddressLine1,
			City:         p.City,
			State:        p.State,
			ZipCode:      p.ZipCode,
		})
	}

	agents := make([]*types.Agent, 0, len(in.Agents))
	for i, a := range in.Agents {
		if a.ID == "" {
			return 0, 0, errors.Newf("agent %d: id is required", i)
		}
		if !geo.ValidCoordinates(a.HomeBase) {
			return 0, 0, errors.Newf("agent %s: invalid home base", a.ID)
		}
		if a.CoverageRadiusMiles <= 0 {
			return 0, 0, errors.Newf("agent %s: coverage_radius_miles must be positive", a.ID)
		}
		active := a.Active == nil || *a.Active
		agents = append(agents, &types.Agent{
			ID:                  types.AgentID(a.ID),
			Name:                a.Name,
			Email:               a.Email,
			HomeBase:            a.HomeBase,
			CoverageRadiusMiles: a.CoverageRadiusMiles,
			Qualifications:      a.Qualifications,
			Active:              active,
		})
	}

	var nProps, nAgents int
	for _, p := range properties {
		if err := reg.UpsertProperty(ctx, p); err != nil {
			return nProps, nAgents, errors.Wrapf(err, "import property %s (%d properties, %d agents written; rerun the file)", p.ID, nProps, nAgents)
		}
		nProps++
	}
	for _, a := range agents {
		if err := reg.UpsertAgent(ctx, a); err != nil {
			return nProps, nAgents, errors.Wrapf(err, "import agent %s (%d properties, %d agents written; rerun the file)", a.ID, nProps, nAgents)
		}
		nAgents++
	}
	return nProps, nAgents, nil
}

func sortedEvents(m map[types.EventType]int) []types.EventType {
	out := make([]types.EventType, 0, len(m))
	for ev := range m {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
