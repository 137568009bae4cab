package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

func (a *app) resolveCommand() *cobra.Command {
	var req models.RouteRequest
	cmd := &cobra.Command{
		Use:   "resolve <destination>",
		Short: "Resolve a destination against the current configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.buildCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			req.Destination = args[0]
			res, err := c.engine.Resolve(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Destination: %s (%s, country %s)\n", res.Destination, res.NormalizedDestination, res.CountryCode)
			fmt.Fprintf(out, "Profile:     %d (%s)\n\n", res.Metadata.ProfileID, res.Metadata.RoutingStrategy)

			header := []string{"Rank", "Carrier", "Dial String", "Prefix", "Quality", "Channels"}
			if req.Options.IncludeRates {
				header = append(header, "Rate")
			}
			table := newTable(out, header...)
			for _, r := range res.Routes {
				quality, free := "-", "-"
				if r.Quality != nil {
					quality = strconv.Itoa(r.Quality.Score)
				}
				if r.Availability != nil {
					free = "∞"
					if r.Availability.RemainingChannels >= 0 {
						free = strconv.Itoa(r.Availability.RemainingChannels)
					}
				}
				row := []string{strconv.Itoa(r.Rank), r.CarrierCode, r.DialString, r.Prefix, quality, free}
				if req.Options.IncludeRates {
					rate := "-"
					if r.Rate != nil {
						rate = fmt.Sprintf("%.4f %s/min", r.Rate.PerMinute, r.Rate.Currency)
					}
					row = append(row, rate)
				}
				table.Append(row)
			}
			table.Render()
			fmt.Fprintf(out, "\n%d routes in %dms\n", len(res.Routes), res.Metadata.LookupTimeMs)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.OrganizationID, "org", "", "organization id (required)")
	f.IntVar(&req.Options.MaxRoutes, "max", 0, "maximum routes to return")
	f.BoolVar(&req.Options.IncludeRates, "include-rates", false, "show route rates")
	f.Int64SliceVar(&req.Options.PreferredCarriers, "prefer", nil, "carrier ids to rank first")
	f.Int64SliceVar(&req.Options.ExcludeCarriers, "exclude", nil, "carrier ids to leave out")
	f.Float64Var(&req.Options.MinQualityScore, "min-quality", 0, "minimum gateway health score")
	cmd.MarkFlagRequired("org")
	return cmd
}

func bucketText(b models.HealthBucket) string {
	switch b {
	case models.HealthHealthy:
		return color.GreenString(string(b))
	case models.HealthDegraded:
		return color.YellowString(string(b))
	default:
		return color.RedString(string(b))
	}
}

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health [gateway-id]",
		Short: "Probe gateways once and print their health scores",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.buildCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			snap := c.store.Current()
			gateways := snap.GatewaysSorted()
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				gw, ok := snap.Gateways[id]
				if !ok {
					return fmt.Errorf("gateway %d not found", id)
				}
				gateways = []*models.Gateway{gw}
			}
			if len(gateways) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No gateways found")
				return nil
			}

			table := newTable(cmd.OutOrStdout(), "ID", "Gateway", "Status", "Probe", "Latency", "Score", "Health")
			for _, gw := range gateways {
				st := c.monitor.Probe(cmd.Context(), gw)
				probe := color.RedString("timeout")
				if st.Metrics.ProbeOK {
					probe = color.GreenString("ok")
				}
				table.Append([]string{
					strconv.FormatInt(gw.ID, 10),
					gw.Name,
					statusText(gw.Status),
					probe,
					st.Metrics.ProbeLatency.Round(time.Millisecond).String(),
					strconv.Itoa(st.Score),
					bucketText(st.Bucket),
				})
			}
			table.Render()
			return nil
		},
	}
}

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Manage the route cache of a running service"}

	var server, org, scope, value string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached lookups for an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := cache.ParseScope(scope)
			if err != nil {
				return err
			}
			if server == "" {
				server = "http://" + localAddr(a.cfg.HTTP.Listen)
			}
			body, _ := json.Marshal(map[string]string{
				"organizationId": org,
				"scope":          string(sc),
				"value":          value,
			})
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimRight(server, "/")+"/lcr/cache/invalidate", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("contact %s: %w", server, err)
			}
			defer resp.Body.Close()

			var out struct {
				Invalidated int `json:"invalidated"`
				Error       struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message)
			}
			success(cmd.OutOrStdout(), "%d cached lookups invalidated for %s (%s)", out.Invalidated, org, sc)
			return nil
		},
	}
	f := invalidate.Flags()
	f.StringVar(&server, "server", "", "service base URL (default from http.listen)")
	f.StringVar(&org, "org", "", "organization id (required)")
	f.StringVar(&scope, "scope", "all", "all, prefix or carrier")
	f.StringVar(&value, "value", "", "prefix digits or carrier id for narrower scopes")
	invalidate.MarkFlagRequired("org")

	cmd.AddCommand(invalidate)
	return cmd
}

// localAddr turns a listen address such as ":8080" into one a client can dial.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}
