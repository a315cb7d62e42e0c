package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

const dropAllWarning = `WARNING: drop-all removes the intermediate structures of every engine
session on every configured backend, including sessions running right now.
Their filters will fail until they are reapplied.`

// oneShot builds an engine that logs to stderr, so stdout carries only the
// command's report.
func oneShot(cmd *cobra.Command, load func() (config.Config, error), fn func(ctx context.Context, e *engine) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	e, err := buildEngine(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer e.Close()
	return fn(ctx, e)
}

func newOptimizeCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Refresh estimates and print the backend choice for every collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return oneShot(cmd, load, func(ctx context.Context, e *engine) error {
				sum := e.orch.Optimize(ctx)
				printSummary(cmd.OutOrStdout(), sum)
				if sum.Failed > 0 {
					return fmt.Errorf("%d collections have no usable backend", sum.Failed)
				}
				return nil
			})
		},
	}
}

func printSummary(out io.Writer, sum adaptive.Summary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tBACKEND\tPATH\tREASON")
	for _, c := range sum.Choices {
		if c.Err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t%v\n", c.Collection, c.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Collection, c.Decision.Kind, c.Decision.Path, c.Reason)
	}
	_ = tw.Flush()

	kinds := make([]string, 0, len(sum.ByBackend))
	for k, n := range sum.ByBackend {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(kinds)
	fmt.Fprintf(out, "\n%d collections, %d failed, by backend: %v\n", len(sum.Choices), sum.Failed, kinds)
}

func newReclaimCmd(load func() (config.Config, error)) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Drop intermediate structures older than --older-than, from any session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return oneShot(cmd, load, func(ctx context.Context, e *engine) error {
				age := olderThan
				if !cmd.Flags().Changed("older-than") {
					age = e.cfg.Structures.ReclaimAge
				}
				rep, err := e.structures.Reclaim(ctx, age)
				printReport(cmd.OutOrStdout(), rep)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum structure age")
	return cmd
}

func newDropAllCmd(load func() (config.Config, error)) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop-all",
		Short: "Drop every intermediate structure on every backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.ErrOrStderr(), dropAllWarning)
			if !yes {
				return errors.New("refusing to drop without --yes")
			}
			return oneShot(cmd, load, func(ctx context.Context, e *engine) error {
				rep, err := e.structures.DropAll(ctx)
				printReport(cmd.OutOrStdout(), rep)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm dropping structures of concurrent sessions")
	return cmd
}

func printReport(out io.Writer, rep structures.ReclaimReport) {
	for _, n := range rep.Dropped {
		fmt.Fprintf(out, "dropped %s\n", n)
	}
	for _, n := range rep.Failed {
		fmt.Fprintf(out, "failed  %s\n", n)
	}
	fmt.Fprintf(out, "%d dropped, %d failed, %d retried\n", len(rep.Dropped), len(rep.Failed), rep.Retried)
}
