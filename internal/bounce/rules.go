package bounce

import (
	"regexp"
	"strings"

	"github.com/foxzi/newsmail/internal/models"
)

// maxSegment bounds the diagnostic text kept in the log
const maxSegment = 2000

// Rule extracts the part of a bounce body that explains the failure.
// Rules are tried in order; the first that matches wins.
type Rule struct {
	Name    string
	Extract func(body string) (segment string, ok bool)
}

// Reason maps a diagnostic pattern to a return code
type Reason struct {
	Code    int
	Pattern *regexp.Regexp
}

// Rules is the server signature table
var Rules = []Rule{
	{Name: "qmail", Extract: between(
		regexp.MustCompile(`(?i)this is the qmail-send program[^\n]*\n`),
		regexp.MustCompile(`(?i)--- (below this line is a copy of the message|enclosed are the original headers)`),
	)},
	{Name: "postfix", Extract: between(
		regexp.MustCompile(`(?i)this is the (mail system at host|postfix program)[^\n]*\n`),
		regexp.MustCompile(`(?im)^(reporting-mta:|--|content-description: delivery report)`),
	)},
	{Name: "undeliverable", Extract: between(
		regexp.MustCompile(`(?i)(message|mail) (could not|cannot|can ?not) be delivered[^\n]*\n`),
		regexp.MustCompile(`(?im)^(-{3,}|reporting-mta:)`),
	)},
	{Name: "lotus", Extract: between(
		regexp.MustCompile(`(?is)your document:.*?was not delivered to:.*?because:`),
		regexp.MustCompile(`\n\s*\n`),
	)},
	{Name: "fallback", Extract: func(body string) (string, bool) {
		return body, true
	}},
}

// Reasons is checked in order against the extracted segment
var Reasons = []Reason{
	{Code: 550, Pattern: regexp.MustCompile(`(?i)(user unknown|unknown user|user not found|no such (user|recipient|mailbox)|` +
		`recipient unknown|unknown recipient|invalid recipient|recipient address rejected|not a valid mailbox|` +
		`mailbox (unavailable|not found)|no mailbox here|account (is )?disabled|not listed in (the )?public name & address book|` +
		`(user|mailbox|address|recipient|account)[^.\n]{0,40}does not exist)`)},
	{Code: 551, Pattern: regexp.MustCompile(`(?i)(mailbox (is )?full|over ?quota|quota exceeded|exceeded storage|` +
		`insufficient (disk )?(space|storage)|mailbox size limit|disk quota)`)},
	{Code: 552, Pattern: regexp.MustCompile(`(?i)(couldn't find any host|host not found|unknown host|host [^.\n]{0,40}does not exist|` +
		`no route to host|connection refused|connection timed out|unrouteable|domain not found|name service error|` +
		`no mx|host or domain name not found)`)},
	{Code: 554, Pattern: regexp.MustCompile(`(?i)(error in header|header error|invalid header|malformed header|` +
		`header line format|syntax error in (header|message)|invalid message structure)`)},
}

// between returns the text after start up to end, or to the end of body
func between(start, end *regexp.Regexp) func(string) (string, bool) {
	return func(body string) (string, bool) {
		loc := start.FindStringIndex(body)
		if loc == nil {
			return "", false
		}
		rest := strings.TrimLeft(body[loc[1]:], " \t\r\n")
		if e := end.FindStringIndex(rest); e != nil && e[0] > 0 {
			rest = rest[:e[0]]
		}
		return strings.TrimSpace(rest), true
	}
}

// Classification is the outcome of running the rule tables over a body
type Classification struct {
	Rule    string
	Code    int
	Segment string
}

// Classify runs Rules then Reasons. Unrecognized reasons get models.ReturnCodeUnknown.
func Classify(body string) Classification {
	c := Classification{Code: models.ReturnCodeUnknown}
	for _, r := range Rules {
		segment, ok := r.Extract(body)
		if !ok {
			continue
		}
		c.Rule = r.Name
		c.Segment = segment
		break
	}

	for _, r := range Reasons {
		if r.Pattern.MatchString(c.Segment) {
			c.Code = r.Code
			break
		}
	}

	if len(c.Segment) > maxSegment {
		c.Segment = strings.ToValidUTF8(c.Segment[:maxSegment], "")
	}
	return c
}
