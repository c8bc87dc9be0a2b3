package remote

import "strings"

var doubleQuoteEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"`", "\\`",
)

// EscapeDoubleQuotes escapes s for interpolation inside a double-quoted shell word
func EscapeDoubleQuotes(s string) string {
	return doubleQuoteEscaper.Replace(s)
}

// Quote returns s as a double-quoted shell word
func Quote(s string) string {
	return `"` + EscapeDoubleQuotes(s) + `"`
}

// BashLogin wraps script in a login shell so profile-provided PATH entries apply
func BashLogin(script string) string {
	return "bash -lc '" + strings.ReplaceAll(script, "'", `'\''`) + "'"
}

// Command builds a shell command line. Words added with Arg are always
// quoted; Raw words are trusted literals.
type Command struct {
	words []string
}

// Cmd starts a command from trusted literal words
func Cmd(words ...string) *Command {
	return &Command{words: append([]string(nil), words...)}
}

// Sudo starts a command run through sudo
func Sudo(words ...string) *Command {
	return Cmd(append([]string{"sudo"}, words...)...)
}

// Arg appends quoted values
func (c *Command) Arg(values ...string) *Command {
	for _, v := range values {
		c.words = append(c.words, Quote(v))
	}
	return c
}

// Raw appends trusted literal words
func (c *Command) Raw(words ...string) *Command {
	c.words = append(c.words, words...)
	return c
}

// Flag appends a trusted flag followed by a quoted value
func (c *Command) Flag(flag, value string) *Command {
	return c.Raw(flag).Arg(value)
}

// OrTrue tolerates failure of the command
func (c *Command) OrTrue() string {
	return c.String() + " || true"
}

func (c *Command) String() string {
	return strings.Join(c.words, " ")
}

// Env prefixes a command with trusted NAME=value assignments
func Env(assignments []string, cmd *Command) string {
	if len(assignments) == 0 {
		return cmd.String()
	}
	return strings.Join(assignments, " ") + " " + cmd.String()
}

// Script joins commands into one shell program that stops at the first failure
func Script(lines ...string) string {
	return "set -e; " + strings.Join(lines, "; ")
}
