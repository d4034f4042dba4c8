package artifacts

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/types"
)

// Rule describes a family of downloadable artifact URLs. PathRegexes may use
// the named groups "taskId" and "filepath".
type Rule struct {
	Schemes     []string `yaml:"schemes"`
	Netlocs     []string `yaml:"netlocs"`
	PathRegexes []string `yaml:"path_regexes"`
}

// Compile checks every path regex of the rule
func (r Rule) Compile() ([]*regexp.Regexp, error) {
	regexes := make([]*regexp.Regexp, 0, len(r.PathRegexes))
	for _, expr := range r.PathRegexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid path regex %q: %w", expr, err)
		}
		regexes = append(regexes, re)
	}
	return regexes, nil
}

// DefaultRule accepts https artifact URLs of the queue at rootURL
func DefaultRule(rootURL string) Rule {
	host := rootURL
	if u, err := url.Parse(rootURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return Rule{
		Schemes:     []string{"https"},
		Netlocs:     []string{host},
		PathRegexes: []string{`^/api/queue/v1/task/(?P<taskId>[^/]+)(/runs/\d+)?/artifacts/(?P<filepath>.*)$`},
	}
}

// ValidateArtifactURL matches rawURL against rules and returns the relative
// download path "cot/<taskId>/<filepath>". A taskId outside validTaskIDs
// is rejected. Errors wrap types.ErrInvalidArtifactURL.
func ValidateArtifactURL(rules []Rule, validTaskIDs []string, rawURL string) (string, error) {
	_, rel, err := validateArtifactURL(rules, validTaskIDs, rawURL)
	return rel, err
}

func validateArtifactURL(rules []Rule, validTaskIDs []string, rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", types.ErrInvalidArtifactURL, rawURL, err)
	}

	for _, rule := range rules {
		if !contains(rule.Schemes, u.Scheme) || !contains(rule.Netlocs, u.Host) {
			continue
		}

		regexes, err := rule.Compile()
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", types.ErrInvalidArtifactURL, err)
		}

		for _, re := range regexes {
			match := re.FindStringSubmatch(u.EscapedPath())
			if match == nil {
				continue
			}

			var taskID, filePath string
			for i, name := range re.SubexpNames() {
				switch name {
				case "taskId":
					taskID = match[i]
				case "filepath":
					filePath = match[i]
				}
			}

			if taskID != "" && !contains(validTaskIDs, taskID) {
				return "", "", fmt.Errorf("%w: %s: task %s is not an allowed upstream task", types.ErrInvalidArtifactURL, rawURL, taskID)
			}
			if taskID == "" || filePath == "" {
				return "", "", fmt.Errorf("%w: %s: no task id or file path in url", types.ErrInvalidArtifactURL, rawURL)
			}

			unescaped, err := url.PathUnescape(filePath)
			if err != nil {
				return "", "", fmt.Errorf("%w: %s: %v", types.ErrInvalidArtifactURL, rawURL, err)
			}

			rel := path.Join("cot", taskID, unescaped)
			if !strings.HasPrefix(rel, "cot/"+taskID+"/") {
				return "", "", fmt.Errorf("%w: %s escapes the directory of task %s", types.ErrInvalidArtifactURL, rawURL, taskID)
			}
			return taskID, rel, nil
		}
	}

	return "", "", fmt.Errorf("%w: %s matches no valid artifact rule", types.ErrInvalidArtifactURL, rawURL)
}

// SafeJoin joins rel onto parentDir and rejects results outside
// parentDir/cot/<taskID>
func SafeJoin(parentDir, taskID, rel string) (string, error) {
	root := filepath.Join(parentDir, "cot", taskID)
	full := filepath.Join(parentDir, filepath.FromSlash(rel))

	inside, err := filepath.Rel(root, full)
	if err != nil || inside == "." || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", types.ErrInvalidArtifactURL, rel, root)
	}
	return full, nil
}

// GetArtifactURL returns the download URL of an upstream artifact: unsigned
// for public/ paths, signed otherwise
func GetArtifactURL(q queue.Queue, taskID, artifactPath string) (string, error) {
	if strings.HasPrefix(artifactPath, "public/") {
		return q.BuildURL(taskID, artifactPath), nil
	}
	return q.BuildSignedURL(taskID, artifactPath, 15*time.Minute)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// loggableURL drops the query string, which may carry signatures
func loggableURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparsable url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
