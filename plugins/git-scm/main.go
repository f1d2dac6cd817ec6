// Command git-scm is a reference scm plugin. It answers one request per
// invocation: a JSON envelope on stdin, a JSON response on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/pluginhost/internal/protocol"
)

const (
	extensionID        = "scm"
	lsRemoteTimeout    = 10 * time.Second
	defaultGitBinary   = "git"
	settingsGitBinary  = "git_binary"
	propertyURL        = "url"
	propertyBranch     = "branch"
	propertyCredential = "password"
)

type property struct {
	DisplayName    string `json:"display-name"`
	DefaultValue   string `json:"default-value,omitempty"`
	PartOfIdentity bool   `json:"part-of-identity"`
	Required       bool   `json:"required"`
	Secure         bool   `json:"secure"`
	DisplayOrder   string `json:"display-order"`
}

type validationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type connectionResult struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
}

type material struct {
	Configuration map[string]struct {
		Value string `json:"value"`
	} `json:"scm-configuration"`
}

func (m material) value(key string) string {
	return strings.TrimSpace(m.Configuration[key].Value)
}

// lsRemote is swapped in tests.
var lsRemote = func(ctx context.Context, gitBinary, url string) error {
	out, err := exec.CommandContext(ctx, gitBinary, "ls-remote", "--heads", url).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s ls-remote: %w: %s", gitBinary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(in io.Reader) *protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return protocol.Failure(protocol.StatusInternalError, fmt.Sprintf("invalid request JSON: %v", err))
	}
	return dispatch(&req)
}

func dispatch(req *protocol.Request) *protocol.Response {
	if req.Extension != extensionID {
		return protocol.Failure(protocol.StatusInternalError, fmt.Sprintf("unsupported extension %q", req.Extension))
	}

	switch req.RequestName {
	case "scm-configuration":
		return jsonResponse(map[string]property{
			propertyURL:        {DisplayName: "URL", PartOfIdentity: true, Required: true, DisplayOrder: "0"},
			propertyBranch:     {DisplayName: "Branch", DefaultValue: "main", PartOfIdentity: true, DisplayOrder: "1"},
			propertyCredential: {DisplayName: "Password", Secure: true, DisplayOrder: "2"},
		})
	case "scm-view":
		return jsonResponse(map[string]string{
			"displayValue": "Git",
			"template":     `<div><label>URL</label><input ng-model="url"/></div>`,
		})
	case "validate-scm-configuration":
		m, err := decodeMaterial(req.Body)
		if err != nil {
			return protocol.Failure(protocol.StatusInternalError, err.Error())
		}
		return jsonResponse(validate(m))
	case "check-scm-connection":
		m, err := decodeMaterial(req.Body)
		if err != nil {
			return protocol.Failure(protocol.StatusInternalError, err.Error())
		}
		gitBinary, _ := req.Header(settingsGitBinary)
		return jsonResponse(checkConnection(m, gitBinary))
	case "go.plugin-settings.get-configuration":
		return jsonResponse(map[string]property{
			settingsGitBinary: {DisplayName: "Git binary", DefaultValue: defaultGitBinary, DisplayOrder: "0"},
		})
	case "go.plugin-settings.get-view":
		return jsonResponse(map[string]string{"template": `<input ng-model="git_binary"/>`})
	case "go.plugin-settings.validate-configuration":
		return jsonResponse([]validationError{})
	default:
		return protocol.Failure(protocol.StatusInternalError, fmt.Sprintf("unknown request %q", req.RequestName))
	}
}

func decodeMaterial(body string) (material, error) {
	var m material
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return material{}, fmt.Errorf("invalid scm configuration: %w", err)
	}
	return m, nil
}

func validate(m material) []validationError {
	errs := []validationError{}
	url := m.value(propertyURL)
	switch {
	case url == "":
		errs = append(errs, validationError{Key: propertyURL, Message: "URL is required"})
	case !looksLikeGitURL(url):
		errs = append(errs, validationError{Key: propertyURL, Message: "URL must be http(s), ssh, git@ or file"})
	}
	if b := m.value(propertyBranch); strings.ContainsAny(b, " ~^:") {
		errs = append(errs, validationError{Key: propertyBranch, Message: "branch name is invalid"})
	}
	return errs
}

func looksLikeGitURL(url string) bool {
	for _, prefix := range []string{"http://", "https://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// checkConnection uses the gitBinary header when the host supplies one.
func checkConnection(m material, gitBinary string) connectionResult {
	if errs := validate(m); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return connectionResult{Status: "failure", Messages: msgs}
	}
	if gitBinary == "" {
		gitBinary = defaultGitBinary
	}

	ctx, cancel := context.WithTimeout(context.Background(), lsRemoteTimeout)
	defer cancel()
	if err := lsRemote(ctx, gitBinary, m.value(propertyURL)); err != nil {
		return connectionResult{Status: "failure", Messages: []string{err.Error()}}
	}
	return connectionResult{Status: "success", Messages: []string{"Could connect to URL successfully"}}
}

func jsonResponse(v any) *protocol.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return protocol.Failure(protocol.StatusInternalError, err.Error())
	}
	return protocol.Success(string(b))
}
