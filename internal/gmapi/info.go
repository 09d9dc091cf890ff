// internal/gmapi/info.go
package gmapi

// HandlerInfo names the script manager in GM_info.
type HandlerInfo struct {
	Name    string
	Version string
}

// ResourceInfo describes a declared @resource.
type ResourceInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ScriptInfo is the script section of GM_info.
type ScriptInfo struct {
	Name        string         `json:"name"`
	Namespace   string         `json:"namespace"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	RunAt       string         `json:"runAt"`
	Includes    []string       `json:"includes"`
	Matches     []string       `json:"matches"`
	Excludes    []string       `json:"excludes"`
	Grants      []string       `json:"grant"`
	Resources   []ResourceInfo `json:"resources"`
	NoFrames    bool           `json:"noframes"`
}

// Info is GM_info.
type Info struct {
	Script        ScriptInfo `json:"script"`
	ScriptHandler string     `json:"scriptHandler"`
	Version       string     `json:"version"`
}

// Info returns the GM_info object for this script.
func (s *Surface) Info() Info {
	d := s.script
	res := make([]ResourceInfo, 0, len(d.Resources))
	for _, r := range d.Resources {
		res = append(res, ResourceInfo{Name: r.Name, URL: r.URL})
	}
	return Info{
		Script: ScriptInfo{
			Name:        d.Name,
			Namespace:   d.Namespace,
			Version:     d.Version,
			Description: d.Description,
			RunAt:       d.RunPhase.RunAt(),
			Includes:    nonNil(d.IncludePatterns),
			Matches:     nonNil(d.MatchPatterns),
			Excludes:    nonNil(d.ExcludePatterns),
			Grants:      nonNil(d.Grants),
			Resources:   res,
			NoFrames:    d.NoFrames,
		},
		ScriptHandler: s.handler.Name,
		Version:       s.handler.Version,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
