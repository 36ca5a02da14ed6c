// Package version checks for newer published releases on Modrinth.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.modrinth.com/v2"

var numberPattern = regexp.MustCompile(`\d+`)

// Checker queries the Modrinth project-versions API.
type Checker struct {
	ProjectID string
	BaseURL   string
	Client    *http.Client
}

func NewChecker(projectID string) *Checker {
	return &Checker{
		ProjectID: projectID,
		BaseURL:   defaultBaseURL,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type projectVersion struct {
	VersionNumber string `json:"version_number"`
}

// LatestVersion returns the newest published version number of the project.
// Modrinth orders the listing newest first.
func (c *Checker) LatestVersion(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/project/%s/version", c.BaseURL, c.ProjectID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build version request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch versions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var versions []projectVersion
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return "", fmt.Errorf("failed to decode version response: %w", err)
	}

	if len(versions) == 0 {
		return "", fmt.Errorf("project %s has no published versions", c.ProjectID)
	}

	return versions[0].VersionNumber, nil
}

// DownloadURL returns the project's versions page.
func (c *Checker) DownloadURL() string {
	return fmt.Sprintf("https://modrinth.com/plugin/%s/versions", c.ProjectID)
}

// IsNewer reports whether latest is strictly newer than current, comparing
// the numeric component of each dot-separated part. Missing parts count as
// zero, so "1.2" and "1.2.0" are equal.
func IsNewer(latest, current string) bool {
	latestParts := strings.Split(latest, ".")
	currentParts := strings.Split(current, ".")

	for i := 0; i < max(len(latestParts), len(currentParts)); i++ {
		var lp, cp int

		if i < len(latestParts) {
			lp = numericPart(latestParts[i])
		}

		if i < len(currentParts) {
			cp = numericPart(currentParts[i])
		}

		if lp != cp {
			return lp > cp
		}
	}

	return false
}

func numericPart(part string) int {
	match := numberPattern.FindString(part)
	if match == "" {
		return 0
	}

	n, _ := strconv.Atoi(match)

	return n
}
