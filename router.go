package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultComplianceMarker = "Dome9 Continuous compliance"
	DefaultSubjectField     = "Subject"
)

// the outcome of routing one message
type Route struct {
	Decision RoutingDecision
	Severity Severity
	Payload  string
}

// Router classifies messages by content. It holds no state beyond its
// configuration and never writes to sinks or touches the queue.
type Router struct {
	marker       string
	subjectField string
}

func NewRouter(marker, subjectField string) *Router {
	if marker == "" {
		marker = DefaultComplianceMarker
	}
	if subjectField == "" {
		subjectField = DefaultSubjectField
	}
	return &Router{marker: marker, subjectField: subjectField}
}

// undecodable body, re-rendered so downstream parsers can still read it
type decodeFailure struct {
	Error string `json:"error"`
	Body  string `json:"body"`
}

func (r *Router) Route(msg RawMessage) Route {
	var parsed ParsedMessage
	if err := json.Unmarshal([]byte(msg.Body), &parsed); err != nil {
		return r.decodeError(msg, err)
	}
	if parsed == nil {
		return r.decodeError(msg, errors.New("message body is null"))
	}

	payload, err := json.Marshal(parsed)
	if err != nil {
		return r.decodeError(msg, err)
	}

	return Route{
		Decision: r.Classify(parsed),
		Severity: SeverityInfo,
		Payload:  string(payload),
	}
}

// Classify picks the destination for a decoded message. A missing or
// non-string subject is an ordinary event.
func (r *Router) Classify(parsed ParsedMessage) RoutingDecision {
	subject, ok := parsed[r.subjectField].(string)
	if ok && strings.Contains(subject, r.marker) {
		return DecisionCompliance
	}
	return DecisionEvent
}

func (r *Router) decodeError(msg RawMessage, cause error) Route {
	payload, _ := json.Marshal(decodeFailure{
		Error: fmt.Sprintf("failed to decode message: %v", cause),
		Body:  msg.Body,
	})
	return Route{
		Decision: DecisionError,
		Severity: SeverityError,
		Payload:  string(payload),
	}
}
