package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// Whiteboards mix scrum tags with unrelated keyword tags, often inside
// brackets, e.g. "[qawanted][u=dev c=api p=2]". Splitting on any run of
// whitespace, commas, or brackets keeps the parser tolerant of all the
// variants seen in the wild.
var wbSplitRe = regexp.MustCompile(`[\s,\[\]]+`)

// ParseWhiteboard extracts tag=value tokens from free-form whiteboard
// text. Tokens without exactly one '=' are dropped, as are empty tags and
// values. Unknown tags are kept; callers pick out the ones they care
// about. Never fails: malformed input just yields fewer entries.
func ParseWhiteboard(wb string) map[string]string {
	data := map[string]string{}
	wb = strings.TrimSpace(wb)
	if wb == "" {
		return data
	}
	for _, tok := range wbSplitRe.Split(wb, -1) {
		if strings.Count(tok, "=") != 1 {
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		if kv[0] == "" || kv[1] == "" {
			continue
		}
		data[kv[0]] = kv[1]
	}
	return data
}

type StoryData struct {
	Points    int
	User      string
	Component string
}

// ToStoryData maps the recognized scrum tags to typed story fields.
// A p= value that isn't an integer is discarded and points stays 0.
func ToStoryData(raw map[string]string) StoryData {
	sd := StoryData{
		User:      raw["u"],
		Component: raw["c"],
	}
	if v, ok := raw["p"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			sd.Points = n
		}
	}
	return sd
}

func ParseStory(wb string) StoryData {
	return ToStoryData(ParseWhiteboard(wb))
}
