package permission

// Built-in role template identifiers. The template grant values are a
// public, stable data contract: downstream systems depend on them verbatim.
const (
	TemplateProjectManager = "project-manager"
	TemplateFinance        = "finance"
	TemplateQAInspector    = "qa-inspector"
	TemplateExecutive      = "executive"
	TemplateAuditor        = "auditor"
	TemplateContractor     = "contractor"
	TemplateCustomer       = "customer"
)

var templates = map[string]Role{
	TemplateProjectManager: {
		ID: TemplateProjectManager,
		Grants: map[Level]Spec{
			LevelView:    AllResources(),
			LevelEdit:    Resources("project", "milestone", "task", "schedule", "document"),
			LevelApprove: Resources("milestone", "task", "document"),
			LevelAdmin:   Resources(),
		},
	},
	TemplateFinance: {
		ID: TemplateFinance,
		Grants: map[Level]Spec{
			LevelView:    AllResources(),
			LevelEdit:    Resources("budget", "funding", "payments"),
			LevelApprove: Resources("payment", "budget-change"),
			LevelAdmin:   Resources(),
		},
	},
	TemplateQAInspector: {
		ID: TemplateQAInspector,
		Grants: map[Level]Spec{
			LevelView:    Resources("project", "milestone", "quality", "document"),
			LevelEdit:    Resources("quality"),
			LevelApprove: Resources("quality", "inspection"),
			LevelAdmin:   Resources(),
		},
	},
	TemplateExecutive: {
		ID: TemplateExecutive,
		Grants: map[Level]Spec{
			LevelView:    AllResources(),
			LevelEdit:    Resources(),
			LevelApprove: AllResources(),
			LevelAdmin:   Resources(),
		},
	},
	TemplateAuditor: {
		ID: TemplateAuditor,
		Grants: map[Level]Spec{
			LevelView:    AllResources(),
			LevelEdit:    Resources(),
			LevelApprove: Resources(),
			LevelAdmin:   Resources(),
		},
	},
	TemplateContractor: {
		ID: TemplateContractor,
		Grants: map[Level]Spec{
			LevelView:    Resources("project", "task", "schedule", "document"),
			LevelEdit:    Resources("task", "document"),
			LevelApprove: Resources(),
			LevelAdmin:   Resources(),
		},
	},
	TemplateCustomer: {
		ID: TemplateCustomer,
		Grants: map[Level]Spec{
			LevelView:    Resources("project", "milestone", "document", "funding"),
			LevelEdit:    Resources(),
			LevelApprove: Resources("milestone"),
			LevelAdmin:   Resources(),
		},
	},
}

// Template returns a copy of the named built-in role preset.
func Template(id string) (Role, bool) {
	role, ok := templates[id]
	if !ok {
		return Role{}, false
	}
	return cloneRole(role), true
}

// Templates returns copies of all seven built-in role presets.
func Templates() []Role {
	ids := []string{
		TemplateProjectManager, TemplateFinance, TemplateQAInspector,
		TemplateExecutive, TemplateAuditor, TemplateContractor, TemplateCustomer,
	}
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRole(templates[id]))
	}
	return out
}

func cloneRole(role Role) Role {
	grants := make(map[Level]Spec, len(role.Grants))
	for level, spec := range role.Grants {
		grants[level] = spec
	}
	return Role{ID: role.ID, Grants: grants}
}
