package dispatch

// buildRegistry returns the fixed method table, per §4.J "Registered
// methods (closed set for this spec)".
func (d *Dispatcher) buildRegistry() map[string]methodFunc {
	return map[string]methodFunc{
		"queryDecisions":    handleQueryDecisions,
		"checkGuardrails":   handleCheckGuardrails,
		"listGuardrails":    handleListGuardrails,
		"recordDecision":    handleRecordDecision,
		"updateDecision":    handleUpdateDecision,
		"reviewDecision":    handleReviewDecision,
		"getDecision":       handleGetDecision,
		"getReasonStats":    handleGetReasonStats,
		"recordThought":     handleRecordThought,
		"preAction":         handlePreAction,
		"getSessionContext": handleGetSessionContext,
		"ready":             handleReady,
		"linkDecisions":     handleLinkDecisions,
		"getGraph":          handleGetGraph,
		"getNeighbors":      handleGetNeighbors,
		"debugTracker":      handleDebugTracker,
		"checkDrift":        handleCheckDrift,
		"reindex":           handleReindex,
		"attributeOutcomes": handleAttributeOutcomes,
		"getCalibration":    handleGetCalibration,
	}
}
