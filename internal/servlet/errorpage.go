package servlet

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is temporarily unable to handle the request.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the Accept header.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool // not a wildcard type
		order     int
	}
	var offers []offer

	for i, partStr := range strings.Split(acceptHeaderValue, ",") {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			for _, param := range strings.Split(partStr[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				q, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || q < 0 || q > 1 {
					q = 0
				}
				qValue = q
				break
			}
		}

		// A media type with q=0 is not acceptable (RFC 7231 section 5.3.2).
		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// errorPage renders the body and content type of a default error response.
func errorPage(statusCode int, accept, detailMessage string) ([]byte, string) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	if PrefersJSON(accept) {
		body, err := jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detailMessage},
		})
		if err == nil {
			return body, "application/json; charset=utf-8"
		}
		// Fall through to HTML.
	}

	var title, heading, message string
	if d, ok := defaultHTMLMessages[statusCode]; ok {
		title, heading, message = d.Title, d.Heading, d.Message
		if detailMessage != "" {
			message += " " + html.EscapeString(detailMessage)
		}
	} else {
		title = fmt.Sprintf("%d %s", statusCode, statusText)
		heading = statusText
		message = "The server encountered an error processing your request."
		if detailMessage != "" {
			message = html.EscapeString(detailMessage)
		}
	}
	return htmlErrorBody(title, heading, message), "text/html; charset=utf-8"
}

// htmlErrorBody creates a simple HTML error page. message must already be escaped.
func htmlErrorBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
