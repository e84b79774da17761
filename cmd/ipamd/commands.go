package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/ipamd/internal/api"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
	"github.com/jbweber/homelab/ipamd/internal/iprange"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.G(ctx).WithField("db", a.cfg.DBPath).Info("database is up to date")
				return nil
			})
		},
	}
}

func newAllocateCmd() *cobra.Command {
	var (
		subnetID  int64
		allocType string
		userID    int64
		ip        string
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate an address from a subnet",
		Long: "Allocate a random free address from --subnet, or the address given with --ip.\n" +
			"With --ip alone the subnet is the most specific managed subnet containing it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseAllocType(allocType)
			if err != nil {
				return err
			}
			req := ipam.AllocateRequest{SubnetID: subnetID, AllocType: t, RequestedAddress: ip}
			if cmd.Flags().Changed("user") {
				req.UserID = &userID
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.allocator.Allocate(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.NewAddressResponse(rec))
			})
		},
	}
	cmd.Flags().Int64Var(&subnetID, "subnet", 0, "Subnet ID")
	cmd.Flags().StringVar(&allocType, "type", "auto", "Allocation type (auto, sticky, user_reserved)")
	cmd.Flags().Int64Var(&userID, "user", 0, "Owning user, required for user_reserved")
	cmd.Flags().StringVar(&ip, "ip", "", "Specific address to allocate")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var orphans bool
	cmd := &cobra.Command{
		Use:   "release [address-id...]",
		Short: "Release address records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orphans == (len(args) > 0) {
				return fmt.Errorf("give either address IDs or --orphans")
			}
			ids := make([]int64, len(args))
			for i, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid address ID %q", arg)
				}
				ids[i] = id
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if orphans {
					n, err := a.allocator.ReleaseOrphans(ctx, a.cfg.Schedule.OrphanMinAge)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "released %d orphaned addresses\n", n)
					return nil
				}
				for _, id := range ids {
					if err := a.allocator.Release(ctx, id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&orphans, "orphans", false, "Release AUTO and STICKY addresses no interface uses, older than schedule.orphan_min_age")
	return cmd
}

func newRangesCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "ranges <subnet-id>",
		Short: "Show the unused ranges of a subnet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid subnet ID %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				subnet, err := repository.NewSubnetRepository(a.store.DB()).FindByID(ctx, id)
				if err != nil {
					return err
				}
				util := a.allocator.Utilization()
				var ranges iprange.Set
				if full {
					ranges, err = util.FullRange(ctx, subnet)
				} else {
					ranges, err = util.FreeRanges(ctx, subnet)
				}
				if err != nil {
					return err
				}
				for _, r := range ranges.Ranges() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r, r.Size())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Show used ranges with their purposes as well")
	return cmd
}

func daemonArgs(args []string) ([]domain.DaemonID, error) {
	if len(args) == 0 {
		return []domain.DaemonID{domain.DaemonV4, domain.DaemonV6}, nil
	}
	ids := make([]domain.DaemonID, len(args))
	for i, arg := range args {
		id, err := domain.ParseDaemonID(arg)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func newDHCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dhcp",
		Short: "Manage the DHCP daemons",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sync [v4|v6]",
			Short: "Write the DHCP configuration and bring the daemons in line with it",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := daemonArgs(args)
				if err != nil {
					return err
				}
				return withApp(cmd, func(ctx context.Context, a *app) error {
					if len(ids) == 2 {
						return a.dhcp.SyncAll(ctx)
					}
					return a.dhcp.Sync(ctx, ids[0])
				})
			},
		},
		&cobra.Command{
			Use:   "validate [v4|v6]",
			Short: "Check the DHCP configuration with the daemon's config test",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := daemonArgs(args)
				if err != nil {
					return err
				}
				return withApp(cmd, func(ctx context.Context, a *app) error {
					invalid := false
					for _, id := range ids {
						problems, err := a.dhcp.Validate(ctx, id)
						if err != nil {
							return err
						}
						invalid = invalid || len(problems) > 0
						if err := printJSON(cmd.OutOrStdout(), map[domain.DaemonID]api.ValidateResponse{
							id: {Valid: len(problems) == 0, Errors: problems},
						}); err != nil {
							return err
						}
					}
					if invalid {
						return fmt.Errorf("DHCP configuration is invalid")
					}
					return nil
				})
			},
		},
	)
	return cmd
}
