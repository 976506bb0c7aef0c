package dnswire

import "github.com/miekg/dns"

// DebugString best-effort decodes msg for a log line, returning the first
// question's name and type. It never affects forwarding: on an unpack
// failure, or when the message has no question, it returns the fixed
// string "<unparseable>". This is the only place this package reaches
// for a full DNS message decoder rather than the byte-exact walk in
// header.go, and it is only ever called from debug-gated logging paths.
func DebugString(msg []byte) string {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil || len(m.Question) == 0 {
		return "<unparseable>"
	}
	q := m.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype]
}
