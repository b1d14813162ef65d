package message

import "strings"

// Match describes which messages a receiver is interested in. The
// topic glob supports a single trailing ".*" wildcard, so "kvs.*"
// accepts any topic under the kvs service. An empty glob accepts
// every topic, and MatchtagNone leaves matchtags unconstrained.
type Match struct {
	TypeMask  Type
	TopicGlob string
	Matchtag  uint32
}

// MatchAny accepts every message
var MatchAny = Match{TypeMask: TypeAny}

// MatchRequest accepts any request message
var MatchRequest = Match{TypeMask: TypeRequest}

// MatchResponse accepts any response message
var MatchResponse = Match{TypeMask: TypeResponse}

// MatchEvent accepts any event message
var MatchEvent = Match{TypeMask: TypeEvent}

// Accepts reports whether msg satisfies the match descriptor
func (m Match) Accepts(msg *Message) bool {
	if m.TypeMask != 0 && m.TypeMask&msg.Type == 0 {
		return false
	}
	if m.Matchtag != MatchtagNone && m.Matchtag != msg.Matchtag {
		return false
	}
	return globMatch(m.TopicGlob, msg.Topic)
}

// globMatch implements the limited topic glob: exact match, or a
// trailing ".*" that accepts the bare service name and any topic
// beneath it.
func globMatch(glob, topic string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	if base, ok := strings.CutSuffix(glob, ".*"); ok {
		return topic == base || strings.HasPrefix(topic, base+".")
	}
	return glob == topic
}

// ServiceName returns the service portion of a topic string, i.e.
// everything before the first '.', or the whole topic if it has no
// method suffix.
func ServiceName(topic string) string {
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		return topic[:i]
	}
	return topic
}
