package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	apiclient "github.com/splax/togglemetrics/pkg/api/client"
)

const defaultAPIBaseURL = "http://localhost:4242"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "apps":
		err = commandApps(args, os.Stdout)
	case "app":
		err = commandApp(args, os.Stdout)
	case "toggles":
		err = commandToggles(args, os.Stdout)
	case "counts":
		err = commandCounts(args, os.Stdout)
	case "strategies":
		err = commandStrategies(args, os.Stdout)
	case "report":
		err = commandReport(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL to store")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) == "" {
		fmt.Println(cfg.APIBaseURL)
		return nil
	}
	cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("configuration saved")
	return nil
}

func commandApps(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apps", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	apps, err := client.Applications(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tDETAILS")
	for _, app := range apps {
		fmt.Fprintf(tw, "%s\t%s\n", app.AppName, app.Links.AppDetails)
	}
	return tw.Flush()
}

func commandApp(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("app", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	name := fs.String("name", "", "Application name")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	detail, err := client.ApplicationDetail(ctx, *name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "app:          %s\n", detail.AppName)
	fmt.Fprintf(out, "strategies:   %s\n", strings.Join(detail.Strategies, ", "))
	fmt.Fprintf(out, "seen toggles: %s\n", strings.Join(detail.SeenToggles, ", "))
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tCLIENT IP\tLAST SEEN")
	for _, inst := range detail.Instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.InstanceID, inst.ClientIP, inst.LastSeen.Format(time.RFC3339))
	}
	return tw.Flush()
}

func commandToggles(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("toggles", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	app := fs.String("app", "", "Limit to one application")
	fs.Parse(args)

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var rows []apiclient.AppToggles
	if strings.TrimSpace(*app) != "" {
		one, err := client.SeenTogglesByApp(ctx, *app)
		if err != nil {
			return err
		}
		rows = append(rows, one)
	} else {
		rows, err = client.SeenToggles(ctx)
		if err != nil {
			return err
		}
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tTOGGLES")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row.AppName, strings.Join(row.SeenToggles, ", "))
	}
	return tw.Flush()
}

func commandCounts(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("counts", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	fs.Parse(args)

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	counts, err := client.ToggleCounts(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOGGLE\tYES\tNO")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", name, counts[name].Yes, counts[name].No)
	}
	return tw.Flush()
}

func commandStrategies(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("strategies", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	app := fs.String("app", "", "Limit to one application")
	fs.Parse(args)

	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	all := make(map[string][]string)
	if strings.TrimSpace(*app) != "" {
		strategies, err := client.Strategies(ctx, *app)
		if err != nil {
			return err
		}
		all[*app] = strategies
	} else {
		all, err = client.AllStrategies(ctx)
		if err != nil {
			return err
		}
	}
	apps := make([]string, 0, len(all))
	for name := range all {
		apps = append(apps, name)
	}
	sort.Strings(apps)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tSTRATEGIES")
	for _, name := range apps {
		fmt.Fprintf(tw, "%s\t%s\n", name, strings.Join(all[name], ", "))
	}
	return tw.Flush()
}

// commandReport sends a registration and one metrics bucket, which is handy
// for smoke-testing a deployment.
func commandReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL override")
	app := fs.String("app", "", "Application name")
	instance := fs.String("instance", "", "Instance identifier (defaults to hostname)")
	strategies := fs.String("strategies", "default", "Comma separated strategies to register")
	var toggles toggleFlags
	fs.Var(&toggles, "toggle", "Toggle counts as name=yes:no (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*app) == "" {
		return errors.New("--app is required")
	}
	instanceID := strings.TrimSpace(*instance)
	if instanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		instanceID = host
	}
	base, err := resolveBaseURL(*apiBase)
	if err != nil {
		return err
	}
	reporter, err := apiclient.NewReporter(base, *app, instanceID, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reg := apiclient.Registration{Strategies: splitList(*strategies), SDKVersion: "togglectl:" + buildVersion}
	if err := reporter.Register(ctx, reg); err != nil {
		return err
	}
	for _, t := range toggles {
		for i := uint64(0); i < t.yes; i++ {
			reporter.Count(t.name, true)
		}
		for i := uint64(0); i < t.no; i++ {
			reporter.Count(t.name, false)
		}
	}
	if err := reporter.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("reported %d toggles for %s/%s\n", len(toggles), *app, instanceID)
	return nil
}

type toggleFlag struct {
	name string
	yes  uint64
	no   uint64
}

type toggleFlags []toggleFlag

func (t *toggleFlags) String() string {
	parts := make([]string, 0, len(*t))
	for _, f := range *t {
		parts = append(parts, fmt.Sprintf("%s=%d:%d", f.name, f.yes, f.no))
	}
	return strings.Join(parts, ",")
}

func (t *toggleFlags) Set(value string) error {
	parsed, err := parseToggle(value)
	if err != nil {
		return err
	}
	*t = append(*t, parsed)
	return nil
}

func parseToggle(value string) (toggleFlag, error) {
	name, counts, ok := strings.Cut(value, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return toggleFlag{}, fmt.Errorf("toggle %q must look like name=yes:no", value)
	}
	yesRaw, noRaw, ok := strings.Cut(counts, ":")
	if !ok {
		return toggleFlag{}, fmt.Errorf("toggle %q must look like name=yes:no", value)
	}
	yes, err := strconv.ParseUint(strings.TrimSpace(yesRaw), 10, 64)
	if err != nil {
		return toggleFlag{}, fmt.Errorf("toggle %q: invalid yes count: %w", value, err)
	}
	no, err := strconv.ParseUint(strings.TrimSpace(noRaw), 10, 64)
	if err != nil {
		return toggleFlag{}, fmt.Errorf("toggle %q: invalid no count: %w", value, err)
	}
	return toggleFlag{name: name, yes: yes, no: no}, nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func newClient(override string) (*apiclient.Client, error) {
	base, err := resolveBaseURL(override)
	if err != nil {
		return nil, err
	}
	return apiclient.New(base)
}

// resolveBaseURL prefers the flag, then TOGGLEMETRICS_API, then the saved config.
func resolveBaseURL(override string) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv("TOGGLEMETRICS_API")); v != "" {
		return v, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.APIBaseURL, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "togglectl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("togglectl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	togglectl config [--api http://localhost:4242]
	togglectl apps
	togglectl app --name <app>
	togglectl toggles [--app <app>]
	togglectl counts
	togglectl strategies [--app <app>]
	togglectl report --app <app> [--instance id] [--strategies a,b] [--toggle name=yes:no ...]
	togglectl version

Every query command accepts --api to override the configured base URL.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
