package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/cache"
	"github.com/hamzaKhattat/asterisk-lcr-router/internal/models"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func channels(n int) string {
	if n <= 0 {
		return "∞"
	}
	return strconv.Itoa(n)
}

func statusText(s models.GatewayStatus) string {
	switch s {
	case models.GatewayActive:
		return color.GreenString(string(s))
	case models.GatewayDegraded, models.GatewayMaintenance:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func enabledText(enabled bool) string {
	if enabled {
		return color.GreenString("enabled")
	}
	return color.RedString("disabled")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func (a *app) initDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the configuration store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.openStore(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			success(out, "Database initialized (%s)", a.cfg.Database.Driver)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  lcr carrier add acme --name \"Acme Telecom\"")
			fmt.Fprintln(out, "  lcr gateway add acme-lon --carrier 1 --host 192.0.2.10")
			fmt.Fprintln(out, "  lcr profile add default --org org-1")
			fmt.Fprintln(out, "  lcr route add --profile 1 --carrier 1 --gateway 1 --prefix 44 --rate 0.012")
			fmt.Fprintln(out, "  lcr serve")
			return nil
		},
	}
}

func (a *app) carrierCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "carrier", Short: "Manage carriers"}

	var (
		c       models.Carrier
		window  time.Duration
		causes  []int
		disable bool
	)
	add := &cobra.Command{
		Use:   "add <code>",
		Short: "Add a carrier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			c.Code = args[0]
			if c.Name == "" {
				c.Name = c.Code
			}
			c.Enabled = !disable
			c.Failover.Window = window
			c.Failover.Causes = causes
			if err := store.CreateCarrier(cmd.Context(), &c); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Carrier '%s' added (id %d)", c.Code, c.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&c.Name, "name", "n", "", "display name")
	add.Flags().IntVarP(&c.MaxChannels, "max-channels", "m", 0, "concurrent channel cap across gateways (0 = unlimited)")
	add.Flags().IntVar(&c.Failover.Threshold, "failover-threshold", 5, "consecutive failures before the carrier is skipped")
	add.Flags().DurationVar(&window, "failover-window", time.Minute, "how long a tripped carrier is skipped")
	add.Flags().IntSliceVar(&causes, "failover-causes", nil, "Q.850 causes that move to the next carrier (default set when empty)")
	add.Flags().BoolVar(&c.Failover.BusyIsCongestion, "busy-is-congestion", false, "treat USER_BUSY from this carrier as congestion")
	add.Flags().BoolVar(&c.CLIOverride, "cli-override", false, "carrier allows caller id override")
	add.Flags().BoolVar(&disable, "disabled", false, "add the carrier disabled")

	list := &cobra.Command{
		Use:   "list",
		Short: "List carriers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			snap := store.Current()
			if len(snap.Carriers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No carriers found")
				return nil
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Code", "Name", "Channels", "Failover", "Status")
			for _, cr := range sortedCarriers(snap.Carriers) {
				table.Append([]string{
					strconv.FormatInt(cr.ID, 10),
					cr.Code,
					cr.Name,
					channels(cr.MaxChannels),
					fmt.Sprintf("%d in %s", cr.Failover.Threshold, cr.Failover.Window),
					enabledText(cr.Enabled),
				})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d carriers\n", len(snap.Carriers))
			return nil
		},
	}

	toggle := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a carrier",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				store, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				if err := store.SetCarrierEnabled(cmd.Context(), id, enabled); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "Carrier %d %sd", id, use)
				a.advise(cmd, cache.ScopeCarrier, args[0])
				return nil
			},
		}
	}

	cmd.AddCommand(add, list, toggle("enable", true), toggle("disable", false))
	return cmd
}

func (a *app) gatewayCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "gateway", Short: "Manage carrier gateways"}

	var g models.Gateway
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a gateway to a carrier",
		Long:  "Add a gateway. The dialplan reaches it through the PJSIP endpoint endpoint-<name>.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			g.Name = args[0]
			for i := range g.Codecs {
				g.Codecs[i] = strings.TrimSpace(g.Codecs[i])
			}
			if err := store.CreateGateway(cmd.Context(), &g); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			success(out, "Gateway '%s' added (id %d)", g.Name, g.ID)
			fmt.Fprintf(out, "  Endpoint: %s\n", g.Endpoint())
			fmt.Fprintf(out, "  Address:  %s:%d/%s\n", g.Host, g.Port, g.Transport)
			fmt.Fprintf(out, "  Channels: %s\n", channels(g.MaxChannels))
			return nil
		},
	}
	add.Flags().Int64Var(&g.CarrierID, "carrier", 0, "owning carrier id (required)")
	add.Flags().StringVarP(&g.Host, "host", "H", "", "signaling host (required)")
	add.Flags().IntVarP(&g.Port, "port", "p", 5060, "signaling port")
	add.Flags().StringVarP(&g.Transport, "transport", "t", "udp", "udp, tcp or tls")
	add.Flags().StringVar(&g.TechPrefix, "tech-prefix", "", "digits prepended to the dialed number")
	add.Flags().StringSliceVar(&g.Codecs, "codecs", []string{"ulaw", "alaw"}, "codecs")
	add.Flags().IntVarP(&g.MaxChannels, "max-channels", "m", 0, "concurrent channel cap (0 = unlimited)")
	add.MarkFlagRequired("carrier")
	add.MarkFlagRequired("host")

	list := &cobra.Command{
		Use:   "list",
		Short: "List gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			snap := store.Current()
			gateways := snap.GatewaysSorted()
			if len(gateways) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No gateways found")
				return nil
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Name", "Carrier", "Address", "Channels", "Status", "Last Check")
			for _, gw := range gateways {
				carrierCode := strconv.FormatInt(gw.CarrierID, 10)
				if cr, ok := snap.Carriers[gw.CarrierID]; ok {
					carrierCode = cr.Code
				}
				checked := "-"
				if gw.LastHealthCheck != nil {
					checked = gw.LastHealthCheck.Local().Format("2006-01-02 15:04:05")
				}
				table.Append([]string{
					strconv.FormatInt(gw.ID, 10),
					gw.Name,
					carrierCode,
					fmt.Sprintf("%s:%d/%s", gw.Host, gw.Port, gw.Transport),
					fmt.Sprintf("%d/%s", gw.CurrentChannels, channels(gw.MaxChannels)),
					statusText(gw.Status),
					checked,
				})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d gateways\n", len(gateways))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status <id> <active|maintenance|disabled>",
		Short: "Set an administrative gateway status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st := models.GatewayStatus(args[1])
			if !st.Valid() {
				return fmt.Errorf("unknown gateway status %q", args[1])
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.SetGatewayStatus(cmd.Context(), id, st); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Gateway %d set to %s", id, st)
			return nil
		},
	}

	cmd.AddCommand(add, list, status)
	return cmd
}

func (a *app) profileCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage routing profiles"}

	var (
		p        models.Profile
		strategy string
		disable  bool
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a routing profile for an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			p.Name = args[0]
			p.Strategy = models.RoutingStrategy(strategy)
			p.Enabled = !disable
			if err := store.CreateProfile(cmd.Context(), &p); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Profile '%s' added for %s (id %d, %s)", p.Name, p.OrganizationID, p.ID, p.Strategy)
			return nil
		},
	}
	add.Flags().StringVar(&p.OrganizationID, "org", "", "organization id (required)")
	add.Flags().StringVarP(&strategy, "strategy", "s", string(models.StrategyLowestCost),
		"lowest_cost, highest_quality, priority, round_robin or weighted")
	add.Flags().Float64Var(&p.QualityThreshold, "quality-threshold", 0, "minimum gateway health score")
	add.Flags().IntVar(&p.MaxRetries, "max-retries", 0, "failover attempts after the first (0 = route count)")
	add.Flags().IntVar(&p.SelectionPriority, "selection-priority", 0, "higher wins among an organization's profiles")
	add.Flags().BoolVar(&disable, "disabled", false, "add the profile disabled")
	add.MarkFlagRequired("org")

	var org string
	list := &cobra.Command{
		Use:   "list",
		Short: "List routing profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			profiles, err := store.ListProfiles(cmd.Context(), org)
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No profiles found")
				return nil
			}
			table := newTable(cmd.OutOrStdout(), "ID", "Organization", "Name", "Strategy", "Min Quality", "Retries", "Routes", "Status")
			snap := store.Current()
			for _, pr := range profiles {
				table.Append([]string{
					strconv.FormatInt(pr.ID, 10),
					pr.OrganizationID,
					pr.Name,
					string(pr.Strategy),
					strconv.FormatFloat(pr.QualityThreshold, 'f', -1, 64),
					strconv.Itoa(pr.MaxRetries),
					strconv.Itoa(len(snap.Routes(pr.ID))),
					enabledText(pr.Enabled),
				})
			}
			table.Render()
			return nil
		},
	}
	list.Flags().StringVar(&org, "org", "", "only this organization")

	cmd.AddCommand(add, list)
	return cmd
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWindows turns "08:00-20:00" specs plus a day list into time windows.
func parseWindows(specs []string, days string) ([]models.TimeWindow, error) {
	var dayList []time.Weekday
	for _, d := range strings.Split(days, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		wd, ok := weekdays[d[:min(3, len(d))]]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", d)
		}
		dayList = append(dayList, wd)
	}
	var out []models.TimeWindow
	for _, spec := range specs {
		start, end, ok := strings.Cut(spec, "-")
		if !ok {
			return nil, fmt.Errorf("time window %q must be HH:MM-HH:MM", spec)
		}
		out = append(out, models.TimeWindow{Days: dayList, Start: strings.TrimSpace(start), End: strings.TrimSpace(end)})
	}
	if len(out) == 0 && len(dayList) > 0 {
		out = append(out, models.TimeWindow{Days: dayList, Start: "00:00", End: "23:59"})
	}
	return out, nil
}

func (a *app) routeCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "route", Short: "Manage prefix routes"}

	var (
		r       models.Route
		windows []string
		days    string
		disable bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a prefix route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			tw, err := parseWindows(windows, days)
			if err != nil {
				return err
			}
			r.Constraints.TimeWindows = tw
			r.Enabled = !disable
			if err := store.CreateRoute(cmd.Context(), &r); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Route %d added: %s via carrier %d gateway %d at %.4f %s/min",
				r.ID, r.Prefix, r.CarrierID, r.GatewayID, r.RatePerMinute, r.Currency)
			a.adviseProfile(cmd, r.ProfileID, r.Prefix)
			return nil
		},
	}
	add.Flags().Int64Var(&r.ProfileID, "profile", 0, "routing profile id (required)")
	add.Flags().Int64Var(&r.CarrierID, "carrier", 0, "carrier id (required)")
	add.Flags().Int64Var(&r.GatewayID, "gateway", 0, "gateway id (required)")
	add.Flags().StringVar(&r.Prefix, "prefix", "", "destination prefix in E.164 digits (required)")
	add.Flags().Float64Var(&r.RatePerMinute, "rate", 0, "rate per minute")
	add.Flags().Float64Var(&r.ConnectionFee, "connection-fee", 0, "fee per connected call")
	add.Flags().StringVar(&r.Currency, "currency", "USD", "ISO currency")
	add.Flags().IntVar(&r.BillingIncrement, "increment", 60, "billing increment in seconds")
	add.Flags().IntVar(&r.Priority, "priority", 0, "lower is preferred under the priority strategy")
	add.Flags().IntVar(&r.Weight, "weight", 1, "share under the weighted strategy")
	add.Flags().IntVar(&r.Constraints.MaxDuration, "max-duration", 0, "call duration cap in seconds")
	add.Flags().StringSliceVar(&windows, "window", nil, "UTC time window HH:MM-HH:MM, repeatable")
	add.Flags().StringVar(&days, "days", "", "comma separated days the windows apply to, e.g. mon,tue")
	add.Flags().BoolVar(&disable, "disabled", false, "add the route disabled")
	for _, f := range []string{"profile", "carrier", "gateway", "prefix"} {
		add.MarkFlagRequired(f)
	}

	var profileID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List a profile's routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			routes, err := store.ListRoutes(cmd.Context(), profileID)
			if err != nil {
				return err
			}
			if len(routes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No routes found")
				return nil
			}
			snap := store.Current()
			table := newTable(cmd.OutOrStdout(), "ID", "Prefix", "Carrier", "Gateway", "Rate", "Priority", "Weight", "Windows", "Status")
			for _, rt := range routes {
				carrierCode, gatewayName := strconv.FormatInt(rt.CarrierID, 10), strconv.FormatInt(rt.GatewayID, 10)
				if cr, ok := snap.Carriers[rt.CarrierID]; ok {
					carrierCode = cr.Code
				}
				if gw, ok := snap.Gateways[rt.GatewayID]; ok {
					gatewayName = gw.Name
				}
				var spans []string
				for _, w := range rt.Constraints.TimeWindows {
					spans = append(spans, w.Start+"-"+w.End)
				}
				table.Append([]string{
					strconv.FormatInt(rt.ID, 10),
					rt.Prefix,
					carrierCode,
					gatewayName,
					fmt.Sprintf("%.4f %s", rt.RatePerMinute, rt.Currency),
					strconv.Itoa(rt.Priority),
					strconv.Itoa(rt.Weight),
					strings.Join(spans, ","),
					enabledText(rt.Enabled),
				})
			}
			table.Render()
			return nil
		},
	}
	list.Flags().Int64Var(&profileID, "profile", 0, "routing profile id (required)")
	list.MarkFlagRequired("profile")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := store.DeleteRoute(cmd.Context(), id)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Route %d (%s) deleted", id, deleted.Prefix)
			a.adviseProfile(cmd, deleted.ProfileID, deleted.Prefix)
			return nil
		},
	}

	cmd.AddCommand(add, list, del)
	return cmd
}

func (a *app) adviseProfile(cmd *cobra.Command, profileID int64, prefix string) {
	if p, ok := a.store.Current().Profiles[profileID]; ok {
		a.adviseOrg(cmd, p.OrganizationID, cache.ScopePrefix, prefix)
	}
}

func (a *app) advise(cmd *cobra.Command, scope cache.Scope, value string) {
	warn(cmd.OutOrStdout(), "Cached routes refresh within %s; use 'lcr cache invalidate --org <org> --scope %s --value %s' to apply now",
		a.cfg.Cache.TTL, scope, value)
}

// adviseOrg invalidates directly when the cache is shared through Redis and
// otherwise tells the operator how to reach the running service.
func (a *app) adviseOrg(cmd *cobra.Command, org string, scope cache.Scope, value string) {
	if a.cfg.Cache.Backend != "redis" {
		warn(cmd.OutOrStdout(), "Cached routes for %s refresh within %s; use 'lcr cache invalidate --org %s --scope %s --value %s' to apply now",
			org, a.cfg.Cache.TTL, org, scope, value)
		return
	}
	rdb := newRedis(a.cfg.Redis)
	if rdb == nil {
		warn(cmd.OutOrStdout(), "Redis cache configured but redis is disabled")
		return
	}
	defer rdb.Close()
	shared := cache.New(cache.NewRedisBackend(rdb), a.cfg.Cache.TTL, nil, a.logger)
	n, err := shared.Invalidate(cmd.Context(), org, scope, value)
	if err != nil {
		warn(cmd.OutOrStdout(), "Cache invalidation failed: %v", err)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %d cached lookups invalidated\n", n)
}

func sortedCarriers(m map[int64]*models.Carrier) []*models.Carrier {
	out := make([]*models.Carrier, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
