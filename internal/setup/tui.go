package setup

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/settle/config"
)

// DefaultPath is where the wizard writes the generated config.
const DefaultPath = "settle.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers holds the raw wizard input.
type answers struct {
	quoteURL           string
	quoteKey           string
	minRefreshInterval string

	fundingURL        string
	fundingKey        string
	requireSettlement bool

	baseDelay  string
	step       string
	maxDelay   string
	errorDelay string
	stuckAfter string

	serverAddr string
	journalDir string
}

func defaultAnswers() answers {
	d := config.Default()

	return answers{
		quoteURL:           d.Quote.BaseURL,
		minRefreshInterval: d.Quote.MinRefreshInterval.String(),
		fundingURL:         d.Funding.BaseURL,
		requireSettlement:  d.Funding.RequireSettlement,
		baseDelay:          d.Poller.BaseDelay.String(),
		step:               d.Poller.Step.String(),
		maxDelay:           d.Poller.MaxDelay.String(),
		errorDelay:         d.Poller.ErrorDelay.String(),
		stuckAfter:         d.Poller.StuckAfter.String(),
		serverAddr:         d.Server.Addr,
		journalDir:         d.Journal.Dir,
	}
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	if path == "" {
		path = DefaultPath
	}

	a := defaultAnswers()

	// step 1: quotes
	screen("STEP 1: FX QUOTES")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Where exchange rates come from.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Quote API URL").
				Value(&a.quoteURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Quote API Key").
				Description("Leave empty for public rate sources").
				Value(&a.quoteKey).
				EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Minimum Refresh Interval").
				Description("Cached rates younger than this are reused (e.g. 60s)").
				Value(&a.minRefreshInterval).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 2: funding provider
	screen("STEP 2: FUNDING PROVIDER")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Funding API URL").
				Value(&a.fundingURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Funding API Key").
				Value(&a.fundingKey).
				EchoMode(huh.EchoModePassword),
			huh.NewConfirm().
				Title("Wait for settlement?").
				Description("Transfers succeed only once the settlement leg has settled").
				Value(&a.requireSettlement),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: polling
	screen("STEP 3: STATUS POLLING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Base Delay").Value(&a.baseDelay).Validate(validateDuration),
			huh.NewInput().Title("Delay Step").Description("Added per poll").Value(&a.step).Validate(validateDuration),
			huh.NewInput().Title("Max Delay").Value(&a.maxDelay).Validate(validateDuration),
			huh.NewInput().Title("Error Delay").Description("Wait after a failed poll").Value(&a.errorDelay).Validate(validateDuration),
			huh.NewInput().Title("Stuck After").Description("Show the rescue hint after this long").Value(&a.stuckAfter).Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 4: server
	screen("STEP 4: SERVER")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Listen Address").Value(&a.serverAddr),
			huh.NewInput().Title("Outcome Journal Directory").Value(&a.journalDir),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return err
	}

	// confirmation
	screen("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(cfg)))

	var confirm bool
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return errors.New("setup cancelled by user")
	}

	if err := write(path, cfg); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

func screen(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("SETTLE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

func buildConfig(a answers) (config.Config, error) {
	cfg := config.Default()
	cfg.Quote.BaseURL = strings.TrimRight(a.quoteURL, "/")
	cfg.Quote.APIKey = a.quoteKey
	cfg.Funding.BaseURL = strings.TrimRight(a.fundingURL, "/")
	cfg.Funding.APIKey = a.fundingKey
	cfg.Funding.RequireSettlement = a.requireSettlement
	if a.serverAddr != "" {
		cfg.Server.Addr = a.serverAddr
	}
	if a.journalDir != "" {
		cfg.Journal.Dir = a.journalDir
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"min refresh interval", a.minRefreshInterval, &cfg.Quote.MinRefreshInterval},
		{"base delay", a.baseDelay, &cfg.Poller.BaseDelay},
		{"delay step", a.step, &cfg.Poller.Step},
		{"max delay", a.maxDelay, &cfg.Poller.MaxDelay},
		{"error delay", a.errorDelay, &cfg.Poller.ErrorDelay},
		{"stuck after", a.stuckAfter, &cfg.Poller.StuckAfter},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return config.Config{}, errors.Wrapf(err, "invalid %s", d.name)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func summary(cfg config.Config) string {
	return fmt.Sprintf(
		"Quotes: %s (refresh %s)\nFunding: %s\nSettlement leg: %t\nPolling: %s +%s up to %s, errors %s, stuck after %s\nServer: %s\n",
		cfg.Quote.BaseURL, cfg.Quote.MinRefreshInterval,
		cfg.Funding.BaseURL,
		cfg.Funding.RequireSettlement,
		cfg.Poller.BaseDelay, cfg.Poller.Step, cfg.Poller.MaxDelay, cfg.Poller.ErrorDelay, cfg.Poller.StuckAfter,
		cfg.Server.Addr,
	)
}

func write(path string, cfg config.Config) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}

	// the file may carry api keys
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}

	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a duration such as 2s or 250ms")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL, e.g. https://api.example.com")
	}
	return nil
}
