package server

// Request payloads

type CreateProjectRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	DesignYAML string `json:"design_yaml"`
}

type ReviseDesignRequest struct {
	DesignYAML string `json:"design_yaml"`
}

type PlanTierRequest struct {
	Tier int `json:"tier"`
}

type ResolveGateRequest struct {
	Kind            string   `json:"kind" enum:"choose,choose_with_modifications,combine,revise_and_proceed,explore_differently,reject"`
	SelectedOption  string   `json:"selected_option,omitempty"`
	CombinedOptions []string `json:"combined_options,omitempty"`
	Modifications   []string `json:"modifications,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

type ImportCharterRequest struct {
	CharterYAML string `json:"charter_yaml"`
}
