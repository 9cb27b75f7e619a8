package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch/internal/recipe"
	"pkt.systems/pslog"
)

type recipeOptions struct {
	preset    string
	variant   string
	baseImage string
	user      string
}

func (o *recipeOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.preset, "preset", "self", "recipe preset (self or python)")
	cmd.PersistentFlags().StringVar(&o.variant, "variant", "default", "privilege form (default or hardened)")
	cmd.PersistentFlags().StringVar(&o.baseImage, "base-image", "", "override the base image")
	cmd.PersistentFlags().StringVar(&o.user, "user", "", "override the hardened account name")
}

func (o *recipeOptions) recipe() (recipe.Recipe, error) {
	variant, err := recipe.ParseVariant(o.variant)
	if err != nil {
		return recipe.Recipe{}, err
	}
	r, err := recipe.Preset(o.preset, variant)
	if err != nil {
		return recipe.Recipe{}, err
	}
	if base := strings.TrimSpace(o.baseImage); base != "" {
		r.BaseImage = base
	}
	if user := strings.TrimSpace(o.user); user != "" && r.Hardened() {
		r.User = user
	}
	return r, r.Validate()
}

func newRecipeCmd() *cobra.Command {
	opts := &recipeOptions{}
	cmd := &cobra.Command{
		Use:   "recipe",
		Short: "Render the container recipe",
	}
	opts.bind(cmd)
	cmd.AddCommand(newRecipeRenderCmd(opts))
	cmd.AddCommand(newRecipeWriteCmd(opts))
	return cmd
}

func newRecipeRenderCmd(opts *recipeOptions) *cobra.Command {
	var digestOnly bool
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the Containerfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.recipe()
			if err != nil {
				return err
			}
			rendered, err := r.Render()
			if err != nil {
				return err
			}
			if digestOnly {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered.Digest)
				return err
			}
			pslog.Ctx(cmd.Context()).Debug("recipe rendered", "preset", r.Name, "variant", r.Variant, "digest", rendered.Digest)
			_, err = cmd.OutOrStdout().Write(rendered.Containerfile)
			return err
		},
	}
	cmd.Flags().BoolVar(&digestOnly, "digest", false, "print only the recipe digest")
	return cmd
}

func newRecipeWriteCmd(opts *recipeOptions) *cobra.Command {
	var image string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "write DIR",
		Short: "Write the Containerfile, compose.yaml and .env.example into DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.recipe()
			if err != nil {
				return err
			}
			paths, err := r.WriteBundle(args[0], image, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("bundle written", "dir", args[0], "variant", r.Variant)
			for _, path := range []string{paths.Containerfile, paths.Compose, paths.EnvExample} {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), path); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image name for compose.yaml (default: localhost/<preset>:latest)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing files")
	return cmd
}
