package omop

// SchemaInfo is the payload of the omop://schema/cdm resource.
type SchemaInfo struct {
	Version string   `json:"version"`
	Tables  []string `json:"tables"`
	Status  string   `json:"status"`
}

// SchemaResource describes the CDM layout exposed to MCP clients.
func SchemaResource() SchemaInfo {
	return SchemaInfo{
		Version: "6.0",
		Tables:  []string{"person", "observation_period", "visit_occurrence", "condition_occurrence"},
		Status:  "placeholder - full schema not loaded",
	}
}
