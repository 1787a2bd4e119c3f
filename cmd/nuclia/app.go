package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/nuclia/nuclia-go/pkg/config"
	"github.com/nuclia/nuclia-go/pkg/errs"
	"github.com/nuclia/nuclia-go/pkg/httpclient"
	"github.com/nuclia/nuclia-go/pkg/logger"
	"github.com/nuclia/nuclia-go/pkg/sdk"
	"github.com/nuclia/nuclia-go/pkg/upload"
)

// app carries what every command needs.
type app struct {
	sdk      *sdk.SDK
	settings config.Settings
	output   string

	stdin  *bufio.Reader
	rawIn  io.Reader
	stdout io.Writer
	stderr io.Writer

	registry    *prometheus.Registry
	metricsFile string
}

func newApp(cli *CLI, settings config.Settings, stdin io.Reader, stdout, stderr io.Writer) (*app, error) {
	path := firstSet(cli.Config, settings.ConfigPath)
	store, err := config.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open configuration: %w", err)
	}

	a := &app{
		settings:    settings,
		output:      cli.Output,
		stdin:       bufio.NewReader(stdin),
		rawIn:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		metricsFile: cli.MetricsTextfile,
	}

	opts := []sdk.Option{sdk.WithLogger(logger.GetLogger())}
	var httpOpts []httpclient.Option
	if cli.MaxRPS > 0 {
		httpOpts = append(httpOpts, httpclient.WithRateLimit(rate.Limit(cli.MaxRPS), 1))
	}
	if cli.CACert != "" || cli.Insecure {
		client, err := httpclient.NewTLSClient(&httpclient.TLSConfig{
			InsecureSkipVerify: cli.Insecure,
			CACertificate:      cli.CACert,
		})
		if err != nil {
			return nil, err
		}
		httpOpts = append(httpOpts, httpclient.WithHTTPClient(client))
	}
	if len(httpOpts) > 0 {
		opts = append(opts, sdk.WithHTTPOptions(httpOpts...))
	}
	if a.metricsFile != "" {
		a.registry = prometheus.NewRegistry()
		opts = append(opts, sdk.WithRegistry(a.registry))
	}
	if isTerminal(stderr) {
		opts = append(opts, sdk.WithReporter(upload.NewBarReporter(stderr)))
	}

	a.sdk = sdk.New(store, settings, opts...)
	return a, nil
}

func (a *app) close() {
	a.sdk.Close()
	if a.registry == nil {
		return
	}
	if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
		fmt.Fprintf(a.stderr, "failed to write metrics: %v\n", err)
	}
}

// print renders v in the selected output format. Field names follow the
// JSON tags in both formats.
func (a *app) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if a.output != "yaml" {
		_, err = fmt.Fprintln(a.stdout, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = a.stdout.Write(out)
	return err
}

// readLine prompts on stderr and reads one line from stdin.
func (a *app) readLine(prompt string) (string, error) {
	fmt.Fprint(a.stderr, prompt)
	line, err := a.stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readSecret reads a line without echo when stdin is a terminal.
func (a *app) readSecret(prompt string) (string, error) {
	f, ok := a.rawIn.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return a.readLine(prompt)
	}
	fmt.Fprint(a.stderr, prompt)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// confirm asks a yes/no question. TESTING=True answers yes.
func (a *app) confirm(question string) (bool, error) {
	if a.settings.Testing {
		return true, nil
	}
	answer, err := a.readLine(question + " [y/N] ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

// printError writes err as one red line, plus a hint for expired logins.
func printError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("Error: "+err.Error()))
	switch {
	case errors.Is(err, errs.ErrTokenExpired):
		fmt.Fprintln(w, "Your session expired. Run `nuclia auth login` again.")
	case errors.Is(err, errs.ErrInvalidCredentials):
		fmt.Fprintln(w, "Run `nuclia auth login` or pass --api-key.")
	}
}
