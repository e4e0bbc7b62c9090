package main

import (
	"flag"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
)

// customUsageFunc is a custom UsageFunc used for all commands.
func customUsageFunc(c *ffcli.Command) string {
	var b strings.Builder

	if c.LongHelp != "" {
		fmt.Fprintf(&b, "%s\n\n", c.LongHelp)
	}

	fmt.Fprintf(&b, "USAGE\n")
	if c.ShortUsage != "" {
		fmt.Fprintf(&b, "  %s\n", c.ShortUsage)
	} else {
		fmt.Fprintf(&b, "  %s\n", c.Name)
	}
	fmt.Fprintf(&b, "\n")

	if countFlags(c.FlagSet) > 0 {
		fmt.Fprintf(&b, "FLAGS\n")
		tw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		type flagUsage struct {
			name         string
			usage        string
			defaultValue string
		}
		flags := []flagUsage{}
		c.FlagSet.VisitAll(func(f *flag.Flag) {
			flags = append(flags, flagUsage{name: f.Name, usage: f.Usage, defaultValue: f.DefValue})
		})

		// sort by the area name between the brackets "[]" found in the usage string.
		r := regexp.MustCompile(`^\[(.*?)\]`)
		sort.SliceStable(flags, func(i, j int) bool {
			return r.FindString(flags[i].usage) < r.FindString(flags[j].usage)
		})
		for _, elem := range flags {
			if elem.defaultValue != "" {
				fmt.Fprintf(tw, "  -%s\t%s (default %q)\n", elem.name, elem.usage, elem.defaultValue)
			} else {
				fmt.Fprintf(tw, "  -%s\t%s\n", elem.name, elem.usage)
			}
		}
		tw.Flush()
		fmt.Fprintf(&b, "\n")
	}

	return strings.TrimSpace(b.String()) + "\n"
}

func countFlags(fs *flag.FlagSet) (n int) {
	fs.VisitAll(func(*flag.Flag) { n++ })

	return n
}

func dhcpFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.dhcp.iface, "dhcp-iface", "", "[dhcp] interface to run the DHCP client on")
	fs.StringVar(&c.dhcp.serverAddr, "dhcp-server-addr", "", "[dhcp] IP:Port of a DHCP server to unicast to instead of broadcasting")
	fs.StringVar(&c.dhcp.unicastAddr, "dhcp-unicast-addr", "", "[dhcp] local IP:Port to send from over a plain UDP socket instead of a raw socket")
	fs.DurationVar(&c.dhcp.timeout, "dhcp-timeout", 5*time.Second, "[dhcp] time to wait for each server reply")
	fs.UintVar(&c.dhcp.attempts, "dhcp-attempts", 3, "[dhcp] attempts of each exchange before backing off")
	fs.DurationVar(&c.dhcp.backoff, "dhcp-backoff", 10*time.Second, "[dhcp] time to wait before starting over after a failed exchange")
	fs.DurationVar(&c.dhcp.startTimeout, "dhcp-start-timeout", time.Minute, "[dhcp] time to wait for a lease on start")
	fs.DurationVar(&c.dhcp.callbackWait, "dhcp-callback-wait", 10*time.Second, "[dhcp] longest a state notification may hold the client")
	fs.BoolVar(&c.dhcp.release, "dhcp-release", true, "[dhcp] release the lease on exit")
}

func profileFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.profile.file, "profile-file", "", "[profile] YAML file of per MAC option profiles, reloaded on change")
}

func informFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.inform.server, "inform-server", "", "[inform] IP address of a server to send one DHCPINFORM to once bound")
	fs.UintVar(&c.inform.port, "inform-port", 67, "[inform] server port for the DHCPINFORM")
	fs.DurationVar(&c.inform.timeout, "inform-timeout", 5*time.Second, "[inform] time to wait for the DHCPINFORM reply")
}

func metricsFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.metrics.bindAddr, "metrics-addr", "", "[metrics] local IP:Port to serve Prometheus metrics on")
}

func otelFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.otel.endpoint, "otel-endpoint", "", "[otel] OpenTelemetry collector endpoint")
	fs.BoolVar(&c.otel.insecure, "otel-insecure", true, "[otel] OpenTelemetry collector insecure")
}

func setFlags(c *config, fs *flag.FlagSet) {
	fs.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info)")
	fs.StringVar(&c.configFile, "config", "", "YAML config file holding any of the flags")
	dhcpFlags(c, fs)
	profileFlags(c, fs)
	informFlags(c, fs)
	metricsFlags(c, fs)
	otelFlags(c, fs)
}

func newCLI(cfg *config, fs *flag.FlagSet) *ffcli.Command {
	setFlags(cfg, fs)
	return &ffcli.Command{
		Name:       name,
		ShortUsage: "dhcplink [flags]",
		LongHelp:   "dhcplink runs a DHCPv4 client on one interface and reports its lease.",
		FlagSet:    fs,
		Options: []ff.Option{
			ff.WithEnvVarPrefix(strings.ToUpper(name)),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
			ff.WithAllowMissingConfigFile(true),
		},
		UsageFunc: customUsageFunc,
	}
}
