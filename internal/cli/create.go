package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/labgoat/internal/experiment"
)

func newCreateCmd(o *options) *cobra.Command {
	var (
		id          string
		description string
		variants    string
		split       string
		page        string
		element     string
		goal        string
		goalType    string
		devices     []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a draft experiment",
		Long: `Create a draft experiment with the specified name and variants.
The first variant is the control. Without --split, traffic is divided evenly.

Examples:
  labgoat create hero --variants "Control,Ship Faster" --page / --element h1
  labgoat create cta --variants "Sign Up,Get Started,Try Free" --split 50,25,25
  labgoat create pricing --variants "Control,Annual" --goal purchase --goal-type revenue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := splitList(variants)
			if len(names) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"Control,Treatment\"")
			}

			allocations, err := parseSplit(split, len(names))
			if err != nil {
				return err
			}

			e := &experiment.Experiment{
				ID:          id,
				Name:        args[0],
				Description: description,
				PrimaryGoal: experiment.Goal{ID: goal, Name: goal, Type: experiment.GoalType(goalType), Weight: 1},
				Targeting:   experiment.Targeting{Page: page, Element: element, DeviceTypes: devices},
			}
			if e.ID == "" {
				e.ID = slug(args[0])
			}
			for i, name := range names {
				v := experiment.Variant{
					ID:        slug(name),
					Name:      name,
					IsControl: i == 0,
				}
				if allocations != nil {
					v.TrafficAllocation = allocations[i]
				}
				e.Variants = append(e.Variants, v)
			}

			return o.withService(cmd.Context(), func(ctx context.Context, a *app) error {
				created, err := a.svc.Create(ctx, e)
				if err != nil {
					return describe(err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s) with %d variants:\n", created.Name, created.ID, len(created.Variants))
				for _, v := range created.Variants {
					role := ""
					if v.IsControl {
						role = " (control)"
					}
					fmt.Fprintf(out, "  %s: %s %.1f%%%s\n", v.ID, v.Name, v.TrafficAllocation, role)
				}
				if page != "" {
					fmt.Fprintf(out, "  Page: %s\n", page)
				}
				if element != "" {
					fmt.Fprintf(out, "  Element: %s\n", element)
				}
				fmt.Fprintf(out, "  Goal: %s (%s)\n", created.PrimaryGoal.ID, created.PrimaryGoal.Type)
				fmt.Fprintf(out, "\nStart it with: labgoat start %s\n", created.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "experiment id (default derived from name)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant names, control first (required)")
	cmd.Flags().StringVar(&split, "split", "", "comma-separated traffic percentages, e.g. 50,50")
	cmd.Flags().StringVar(&page, "page", "", "page path under test")
	cmd.Flags().StringVar(&element, "element", "", "CSS selector of the element under test")
	cmd.Flags().StringVar(&goal, "goal", "conversion", "primary goal id")
	cmd.Flags().StringVar(&goalType, "goal-type", "conversion", "goal type: conversion, revenue or engagement")
	cmd.Flags().StringSliceVar(&devices, "devices", nil, "restrict to device types, e.g. mobile,desktop")
	cmd.MarkFlagRequired("variants")

	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSplit returns nil for an empty split so the service divides traffic
// evenly.
func parseSplit(s string, n int) ([]float64, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, nil
	}
	if len(parts) != n {
		return nil, fmt.Errorf("--split has %d values for %d variants", len(parts), n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSuffix(p, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid split value %q", p)
		}
		out[i] = f
	}
	return out, nil
}

// slug lowercases s and replaces runs of other characters with a dash.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// describe expands validation errors into one violation per line.
func describe(err error) error {
	var verr *experiment.Error
	if !errors.As(err, &verr) || verr.Kind != experiment.KindValidation {
		return err
	}
	vs, ok := verr.Details.([]experiment.Violation)
	if !ok || len(vs) == 0 {
		return err
	}
	var b strings.Builder
	b.WriteString("experiment is invalid:")
	for _, v := range vs {
		fmt.Fprintf(&b, "\n  - %s", v)
	}
	return errors.New(b.String())
}
