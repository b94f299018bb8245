package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the essential settings on in and writes the
// prompts to out, then validates and saves the configuration.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	p := prompter{r: reader, w: out}

	for {
		fmt.Fprintln(out, "── Hercules setup ──")
		fmt.Fprintln(out)

		fmt.Fprintln(out, "── Listener ──")
		cfg.Server.BindIP = p.askString("Bind address", cfg.Server.BindIP)
		cfg.Server.Port = p.askInt("Port", cfg.Server.Port)
		cfg.Socket.Poller = p.askString("Poller (epoll/select)", cfg.Socket.Poller)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Access ──")
		cfg.IPRules.Enable = p.askBool("Enable IP rules and DDoS protection", cfg.IPRules.Enable)
		cfg.IPRules.Order = p.askString("Rule order (deny,allow / allow,deny / mutual-failure)", cfg.IPRules.Order)
		cfg.IPRules.AllowList = p.askList("Allow list (comma separated)", cfg.IPRules.AllowList)
		cfg.IPRules.DenyList = p.askList("Deny list (comma separated)", cfg.IPRules.DenyList)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Upstream link ──")
		cfg.Server.Upstream.Address = p.askString("Upstream host:port (blank for none)", cfg.Server.Upstream.Address)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Admin API ──")
		cfg.API.Enabled = p.askBool("Enable admin API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Port = p.askInt("API port", cfg.API.Port)
			if cfg.API.Token == "" {
				cfg.API.Token = uuid.NewString()
			}
			cfg.API.Token = p.askString("API token", cfg.API.Token)
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if !p.askBool("Would you like to try again?", false) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p prompter) read() string {
	input, _ := p.r.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p prompter) askString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.w, "  %s: ", prompt)
	}
	if input := p.read(); input != "" {
		return input
	}
	return defaultVal
}

func (p prompter) askInt(prompt string, defaultVal int) int {
	fmt.Fprintf(p.w, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.w, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p prompter) askBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.w, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func (p prompter) askList(prompt string, defaultVal []string) []string {
	input := p.askString(prompt, strings.Join(defaultVal, ","))
	if input == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(input, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
