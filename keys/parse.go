package keys

import (
	"regexp"
	"strings"
)

var (
	allowedID    = regexp.MustCompile(`^[\w\-~.:]+$`)
	allowedBlock = regexp.MustCompile(`^[\w\-~.:%]+$`)
	allowedHex   = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// ValidID reports whether s may be used as an org, course, run or branch.
func ValidID(s string) bool { return allowedID.MatchString(s) }

// ValidBlockID reports whether s may be used as a block id or block type.
func ValidBlockID(s string) bool { return allowedBlock.MatchString(s) }

type parsed struct {
	plain   []string
	tagged  map[string]string
	ordered []string
}

func splitBody(kind, s, body string) (*parsed, error) {
	p := &parsed{tagged: map[string]string{}}
	if body == "" {
		return nil, &InvalidKeyError{Kind: kind, Value: s, Reason: "empty body"}
	}
	for _, part := range strings.Split(body, "+") {
		tag, val, ok := strings.Cut(part, "@")
		if !ok {
			if len(p.tagged) > 0 {
				return nil, &InvalidKeyError{Kind: kind, Value: s, Reason: "untagged part after tagged part"}
			}
			p.plain = append(p.plain, part)
			continue
		}
		if _, dup := p.tagged[tag]; dup {
			return nil, &InvalidKeyError{Kind: kind, Value: s, Reason: "duplicate " + tag}
		}
		p.tagged[tag] = val
		p.ordered = append(p.ordered, tag)
	}
	return p, nil
}

func (p *parsed) course(kind, s string, library bool) (CourseKey, error) {
	k := CourseKey{Library: library}
	switch {
	case len(p.plain) == 0:
	case library && len(p.plain) == 2:
		k.Org, k.Course, k.Run = p.plain[0], p.plain[1], LibraryRun
	case !library && len(p.plain) == 3:
		k.Org, k.Course, k.Run = p.plain[0], p.plain[1], p.plain[2]
	default:
		return CourseKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "wrong number of identity parts"}
	}
	for _, part := range p.plain {
		if !ValidID(part) {
			return CourseKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "illegal characters in " + part}
		}
	}
	if b, ok := p.tagged["branch"]; ok {
		if !ValidID(b) {
			return CourseKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "illegal branch"}
		}
		k.Branch = b
	}
	if v, ok := p.tagged["version"]; ok {
		if !allowedHex.MatchString(v) {
			return CourseKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "version must be hex"}
		}
		k.Version = VersionID(v)
	}
	if !k.HasIdentity() && k.Version == "" {
		return CourseKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "needs org/course/run or a version"}
	}
	return k, nil
}

func (p *parsed) only(kind, s string, allowed ...string) error {
	for _, tag := range p.ordered {
		ok := false
		for _, a := range allowed {
			if tag == a {
				ok = true
				break
			}
		}
		if !ok {
			return &InvalidKeyError{Kind: kind, Value: s, Reason: "unexpected " + tag}
		}
	}
	return nil
}

// ParseCourseKey parses a course-v1 or library-v1 string.
func ParseCourseKey(s string) (CourseKey, error) {
	prefix, body, ok := strings.Cut(s, ":")
	if !ok {
		return CourseKey{}, &InvalidKeyError{Kind: "course key", Value: s, Reason: "missing prefix"}
	}
	var library bool
	switch prefix {
	case CoursePrefix:
	case LibraryPrefix:
		library = true
	default:
		return CourseKey{}, &InvalidKeyError{Kind: "course key", Value: s, Reason: "unknown prefix " + prefix}
	}
	p, err := splitBody("course key", s, body)
	if err != nil {
		return CourseKey{}, err
	}
	if err := p.only("course key", s, "branch", "version"); err != nil {
		return CourseKey{}, err
	}
	return p.course("course key", s, library)
}

// ParseUsageKey parses a block-v1 or lib-block-v1 string.
func ParseUsageKey(s string) (UsageKey, error) {
	const kind = "usage key"
	prefix, body, ok := strings.Cut(s, ":")
	if !ok {
		return UsageKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing prefix"}
	}
	var library bool
	switch prefix {
	case BlockPrefix:
	case LibBlockPrefix:
		library = true
	default:
		return UsageKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "unknown prefix " + prefix}
	}
	p, err := splitBody(kind, s, body)
	if err != nil {
		return UsageKey{}, err
	}
	if err := p.only(kind, s, "branch", "version", "type", "block"); err != nil {
		return UsageKey{}, err
	}
	ck, err := p.course(kind, s, library)
	if err != nil {
		return UsageKey{}, err
	}
	bt, bid := p.tagged["type"], p.tagged["block"]
	if !ValidBlockID(bt) || !ValidBlockID(bid) {
		return UsageKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing or illegal type/block"}
	}
	return UsageKey{Course: ck, BlockType: bt, BlockID: bid}, nil
}

// ParseDefinitionKey parses a def-v1 string.
func ParseDefinitionKey(s string) (DefinitionKey, error) {
	const kind = "definition key"
	prefix, body, ok := strings.Cut(s, ":")
	if !ok || prefix != DefinitionPrefix {
		return DefinitionKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing def-v1 prefix"}
	}
	p, err := splitBody(kind, s, body)
	if err != nil {
		return DefinitionKey{}, err
	}
	if err := p.only(kind, s, "type"); err != nil {
		return DefinitionKey{}, err
	}
	if len(p.plain) != 1 || !allowedHex.MatchString(p.plain[0]) {
		return DefinitionKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "id must be hex"}
	}
	bt := p.tagged["type"]
	if !ValidBlockID(bt) {
		return DefinitionKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing or illegal type"}
	}
	return DefinitionKey{BlockType: bt, ID: DefinitionID(p.plain[0])}, nil
}

// ParseAssetKey parses an asset-v1 string.
func ParseAssetKey(s string) (AssetKey, error) {
	const kind = "asset key"
	prefix, body, ok := strings.Cut(s, ":")
	if !ok || prefix != AssetPrefix {
		return AssetKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing asset-v1 prefix"}
	}
	p, err := splitBody(kind, s, body)
	if err != nil {
		return AssetKey{}, err
	}
	if err := p.only(kind, s, "branch", "version", "type", "block"); err != nil {
		return AssetKey{}, err
	}
	ck, err := p.course(kind, s, false)
	if err != nil {
		return AssetKey{}, err
	}
	at, path := p.tagged["type"], p.tagged["block"]
	if !ValidBlockID(at) || !ValidBlockID(path) {
		return AssetKey{}, &InvalidKeyError{Kind: kind, Value: s, Reason: "missing or illegal type/path"}
	}
	return AssetKey{Course: ck, AssetType: at, Path: path}, nil
}
