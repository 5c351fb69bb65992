package governor

// Predicates for completion.Submit.

// Ready holds once the governor has acquired its native object.
func Ready[G Governor](g G) bool {
	return g.IsReady()
}

func AdapterPowered(g AdapterGovernor) bool {
	return g.IsPowered()
}

func DeviceConnected(g DeviceGovernor) bool {
	return g.IsConnected()
}

func DeviceServicesResolved(g DeviceGovernor) bool {
	return g.IsServicesResolved()
}

func DeviceOnline(g DeviceGovernor) bool {
	return g.IsOnline()
}
