package board

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Result is the outcome for one operation of a batched call.
type Result struct {
	Index      int    `json:"index"`
	Key        string `json:"key"`
	ExternalID string `json:"external_id,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`

	// Request and Response hold the exchange that left a failed operation
	// without an id.
	Request  string `json:"-"`
	Response string `json:"-"`
}

var rateLimitCodes = []string{"ComplexityException", "RATE_LIMIT_EXCEEDED", "maxComplexityExceeded"}

var rateLimitPhrases = []string{"rate limit", "complexity budget"}

// decodeResults attributes a response body to the n aliases of a request.
// Aliases with a decoded id succeed. Errors carrying a path fail the alias
// they name; an error without a path fails every alias still lacking an id.
func decodeResults(body []byte, ops []Operation) []Result {
	results := make([]Result, len(ops))
	index := make(map[string]int, len(ops))
	for i, op := range ops {
		alias := Alias(i)
		index[alias] = i
		results[i] = Result{Index: i, Key: op.Key}
		id := gjson.GetBytes(body, "data."+alias+".id")
		if id.Exists() && id.String() != "" {
			results[i].ExternalID = id.String()
			results[i].OK = true
		}
	}

	var global []string
	gjson.GetBytes(body, "errors").ForEach(func(_, e gjson.Result) bool {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		path := e.Get("path.0").String()
		if i, ok := index[path]; ok {
			results[i].OK = false
			results[i].ExternalID = ""
			results[i].Error = msg
			return true
		}
		global = append(global, msg)
		return true
	})

	if !gjson.GetBytes(body, "errors").Exists() && !gjson.GetBytes(body, "data").Exists() {
		if msg := gjson.GetBytes(body, "error_message").String(); msg != "" {
			global = append(global, msg)
		} else {
			global = append(global, "response carried neither data nor errors")
		}
	}

	for i := range results {
		if results[i].OK || results[i].Error != "" {
			continue
		}
		if len(global) > 0 {
			results[i].Error = strings.Join(global, "; ")
		} else {
			results[i].Error = "no id returned for " + Alias(i)
		}
	}
	return results
}

// rateLimited reports whether a response body signals throttling, and the
// wait the service asked for when it named one.
func rateLimited(body []byte) (bool, time.Duration) {
	limited := false
	var wait time.Duration

	check := func(e gjson.Result) {
		code := e.Get("extensions.code").String()
		if code == "" {
			code = e.Get("error_code").String()
		}
		for _, c := range rateLimitCodes {
			if strings.EqualFold(code, c) {
				limited = true
			}
		}
		msg := strings.ToLower(e.Get("message").String() + " " + e.Get("error_message").String())
		for _, p := range rateLimitPhrases {
			if strings.Contains(msg, p) {
				limited = true
			}
		}
		if secs := e.Get("extensions.retry_in_seconds"); secs.Exists() {
			wait = time.Duration(secs.Float() * float64(time.Second))
		}
	}

	gjson.GetBytes(body, "errors").ForEach(func(_, e gjson.Result) bool {
		check(e)
		return true
	})
	check(gjson.ParseBytes(body))
	return limited, wait
}
