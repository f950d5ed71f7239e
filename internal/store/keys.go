package store

import "strings"

const (
	statusPrefix         = "status:"
	sessionPrefix        = "session:"
	relatedPrefix        = "related:"
	relatedByPrefix      = "relatedby:"
	serviceConfigPrefix  = "service:config:"
	serviceSessionPrefix = "service:session:"

	// RelayChannel carries frames addressed to connections held by other
	// gateway instances.
	RelayChannel = "pulse:relay"
)

func StatusKey(userID string) string {
	return statusPrefix + userID
}

func SessionKey(userID, connID string) string {
	return sessionPrefix + userID + ":" + connID
}

func sessionPattern(userID string) string {
	return sessionPrefix + escapeGlob(userID) + ":*"
}

func RelatedKey(userID string) string {
	return relatedPrefix + userID
}

func RelatedByKey(userID string) string {
	return relatedByPrefix + userID
}

// RelatedPattern matches every forward related-set record.
func RelatedPattern() string {
	return relatedPrefix + "*"
}

func ServiceConfigKey(name string) string {
	return serviceConfigPrefix + name
}

func ServiceSessionKey(name, connID string) string {
	return serviceSessionPrefix + name + ":" + connID
}

func serviceSessionPattern(name string) string {
	return serviceSessionPrefix + escapeGlob(name) + ":*"
}

// escapeGlob neutralises glob metacharacters inside an identifier so that a
// user id cannot widen a scan pattern.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
