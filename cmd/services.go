package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/citation"
	"github.com/sells-group/linkresolver/internal/fingerprint"
	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/service"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List configured services",
	Long:  "Loads the service group file and lists every service with its declared result labels.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		groups, err := registry.LoadServicesFromFile(cfg.Services.Path)
		if err != nil {
			return eris.Wrap(err, "load services")
		}
		coll, err := service.NewCollection(groups, newFactories(cfg))
		if err != nil {
			return eris.Wrap(err, "build services")
		}
		formatServices(os.Stdout, groups, coll)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the resolver schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <openurl-query>",
	Short: "Print the request fingerprint of an OpenURL query",
	Long:  "Prints the canonical parameter list and its MD5 fingerprint. Routing and resolver-internal parameters are excluded.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(args[0]), "?"))
		if err != nil {
			return eris.Wrap(err, "fingerprint: parse query")
		}
		formatFingerprint(os.Stdout, params)
		return nil
	},
}

func formatServices(w io.Writer, groups []model.ServiceGroup, coll *service.Collection) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tSERVICE\tTYPE\tPRIORITY\tSTATUS\tLABELS")
	for _, g := range groups {
		for _, def := range g.SortedServices() {
			status := "enabled"
			switch {
			case g.Disabled:
				status = "group disabled"
			case def.Disabled:
				status = "disabled"
			}
			var labels []string
			for _, l := range coll.DeclaredTypes(def.ID) {
				labels = append(labels, string(l))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				g.Name, def.ID, def.Type, def.Priority, status, strings.Join(labels, ","))
		}
	}
	_ = tw.Flush()
}

func formatFingerprint(w io.Writer, params url.Values) {
	params = citation.ContextObjectParams(params)
	for _, pair := range fingerprint.Canonical(params) {
		fmt.Fprintf(w, "  %v=%v\n", pair[0], pair[1])
	}
	fmt.Fprintln(w, fingerprint.Fingerprint(params))
}

func init() {
	rootCmd.AddCommand(servicesCmd, migrateCmd, fingerprintCmd)
}
