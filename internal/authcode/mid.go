package authcode

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MIDHeader carries the bounce identifier on every dispatched message
const MIDHeader = "X-Newsmail-MID"

// MID identifies the mailing and recipient a message was sent to
type MID struct {
	Mail   int64
	Source string
	UID    string
}

func (m MID) hash() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%s-%s", m.Mail, m.Source, m.UID)))
	return hex.EncodeToString(sum[:])
}

// String renders the token MID<mail>-<source>-<uid>-<md5>
func (m MID) String() string {
	return fmt.Sprintf("MID%d-%s-%s-%s", m.Mail, m.Source, m.UID, m.hash())
}

var midPattern = regexp.MustCompile(`MID(\d+)-([A-Za-z0-9_:.]+)-(\S+?)-([0-9a-fA-F]{32})`)

// FindMID returns the first token in text whose hash matches its fields
func FindMID(text string) (MID, bool) {
	for _, m := range midPattern.FindAllStringSubmatch(text, -1) {
		mail, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		mid := MID{Mail: mail, Source: m[2], UID: m[3]}
		if strings.EqualFold(mid.hash(), m[4]) {
			return mid, true
		}
	}
	return MID{}, false
}
