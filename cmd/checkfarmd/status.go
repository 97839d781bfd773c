package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/opsgrid/checkfarm/internal/api"
	"github.com/opsgrid/checkfarm/internal/config"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if !cfg.API.Enabled {
		fmt.Fprintln(os.Stderr, "Status requires the API server: set api.enabled in the config")
		return 1
	}

	client := &statusClient{
		base:   "http://" + cfg.API.Listen,
		apiKey: cfg.API.Auth.APIKey,
		http:   &http.Client{Timeout: 5 * time.Second},
	}

	var workers api.WorkersResponse
	if err := client.get("/v1/workers", &workers); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query workers (is checkfarmd running?): %v\n", err)
		return 1
	}

	var jobs api.JobsResponse
	if err := client.get("/v1/jobs", &jobs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query jobs: %v\n", err)
		return 1
	}

	if *jsonOut {
		out := map[string]any{"workers": workers.Workers, "jobs": jobs.Jobs}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return 0
	}

	renderStatus(workers, jobs)
	return 0
}

type statusClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *statusClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func renderStatus(workers api.WorkersResponse, jobs api.JobsResponse) {
	fmt.Println(titleStyle.Render("Workers"))
	if len(workers.Workers) == 0 {
		fmt.Println(dimStyle.Render("  no workers connected"))
	} else {
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return lipgloss.NewStyle().Padding(0, 1)
			}).
			Headers("NAME", "PID", "IN-FLIGHT", "MAX", "SINCE")
		for _, w := range workers.Workers {
			t.Row(w.Name,
				strconv.Itoa(w.PID),
				strconv.Itoa(w.InFlight),
				strconv.Itoa(w.MaxJobs),
				w.RegisteredAt.Local().Format("15:04:05"))
		}
		fmt.Println(t.Render())
	}

	fmt.Println(titleStyle.Render("In-flight jobs"))
	if len(jobs.Jobs) == 0 {
		fmt.Println(dimStyle.Render("  none"))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("ID", "WORKER", "COMMAND", "DEADLINE")
	for _, j := range jobs.Jobs {
		cmd := j.Command
		if len(cmd) > 60 {
			cmd = cmd[:57] + "..."
		}
		t.Row(strconv.Itoa(j.ID), j.Worker, cmd, j.Deadline.Local().Format("15:04:05"))
	}
	fmt.Println(t.Render())
}
