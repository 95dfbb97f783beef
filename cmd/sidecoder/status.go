package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/sidecoder/internal/secrets"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Get the state of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

// serviceGet performs an authenticated GET against the coordinator.
func serviceGet(path string) (*http.Response, error) {
	secret := os.Getenv("INTERNAL_CALLBACK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("INTERNAL_CALLBACK_SECRET is required to talk to the server")
	}
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secrets.GenerateServiceToken(secret, time.Now()))
	return http.DefaultClient.Do(req)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := serviceGet("/sessions/" + args[0])
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var state struct {
		Session struct {
			ID          string `json:"id"`
			SessionName string `json:"session_name"`
			Title       string `json:"title"`
			RepoOwner   string `json:"repo_owner"`
			RepoName    string `json:"repo_name"`
			BranchName  string `json:"branch_name"`
			Model       string `json:"model"`
			Status      string `json:"status"`
		} `json:"session"`
		Sandbox *struct {
			Status        string `json:"status"`
			GitSyncStatus string `json:"git_sync_status"`
		} `json:"sandbox"`
		QueueLength int `json:"queue_length"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Session:  %s\n", state.Session.SessionName)
	fmt.Printf("Repo:     %s/%s\n", state.Session.RepoOwner, state.Session.RepoName)
	fmt.Printf("Status:   %s\n", state.Session.Status)
	fmt.Printf("Model:    %s\n", state.Session.Model)
	if state.Session.BranchName != "" {
		fmt.Printf("Branch:   %s\n", state.Session.BranchName)
	}
	if state.Sandbox != nil {
		fmt.Printf("Sandbox:  %s (git sync: %s)\n", state.Sandbox.Status, state.Sandbox.GitSyncStatus)
	}
	fmt.Printf("Queue:    %d\n", state.QueueLength)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := serviceGet("/sessions")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var page struct {
		Items []struct {
			SessionName string `json:"session_name"`
			Title       string `json:"title"`
			RepoOwner   string `json:"repo_owner"`
			RepoName    string `json:"repo_name"`
			Status      string `json:"status"`
		} `json:"items"`
		HasMore bool `json:"hasMore"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(page.Items) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, s := range page.Items {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-34s %-10s %s/%s  %s\n", s.SessionName, s.Status, s.RepoOwner, s.RepoName, title)
	}
	if page.HasMore {
		fmt.Println("...")
	}
	return nil
}
