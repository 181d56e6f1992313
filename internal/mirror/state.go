package mirror

import "purifier-go-home/internal/convert"

// Snapshot returns a copy of the mirror.
func (m *Mirror) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Reachable:    m.session != nil,
		Mode:         m.st.mode,
		Active:       convert.ModeToActive(m.st.mode),
		CurrentState: convert.ModeToCurrentState(m.st.mode),
		TargetState:  convert.ModeToTargetState(m.st.mode),
		AirQuality:   convert.AirQualityUnknown,
	}
	if m.session != nil {
		st.Model = m.session.Model()
	}
	if m.st.mode != "" {
		st.Known = append(st.Known, FieldActive, FieldCurrentState, FieldTargetState)
	}
	if v := m.st.power; v != nil {
		st.Power = *v
		st.Known = append(st.Known, FieldPower)
	}
	if v := m.st.level; v != nil {
		st.FavoriteLevel = *v
		st.RotationSpeed = convert.FavoriteLevelToPercent(*v)
		st.Known = append(st.Known, FieldRotationSpeed)
	}
	if v := m.st.lock; v != nil {
		st.ChildLock = *v
		st.Known = append(st.Known, FieldLockPhysicalControls)
	}
	if v := m.st.aqi; v != nil {
		st.AirQualityIndex = *v
		st.AirQuality = convert.ClassifyAirQuality(*v)
		st.Known = append(st.Known, FieldAirQuality, FieldPM25Density)
	}
	if v := m.st.temperature; v != nil {
		st.Temperature = *v
		st.Known = append(st.Known, FieldTemperature)
	}
	if v := m.st.humidity; v != nil {
		st.Humidity = *v
		st.Known = append(st.Known, FieldHumidity)
	}
	if v := m.st.led; v != nil {
		st.LED = *v
		st.Known = append(st.Known, FieldLED)
	}
	if v := m.st.buzzer; v != nil {
		st.Buzzer = *v
		st.Known = append(st.Known, FieldBuzzer)
	}
	return st
}

// Reachable reports whether a session is attached.
func (m *Mirror) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Mode returns the last known device mode, or "" if none was observed.
func (m *Mirror) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.mode
}

func (m *Mirror) Active() bool { return convert.ModeToActive(m.Mode()) }

func (m *Mirror) CurrentState() convert.CurrentState {
	return convert.ModeToCurrentState(m.Mode())
}

func (m *Mirror) TargetState() convert.TargetState {
	return convert.ModeToTargetState(m.Mode())
}

// RotationSpeed returns the favorite level as a percentage.
func (m *Mirror) RotationSpeed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.level == nil {
		return 0
	}
	return convert.FavoriteLevelToPercent(*m.st.level)
}

func (m *Mirror) ChildLock() bool { return m.boolValue(func(v *values) *bool { return v.lock }) }
func (m *Mirror) LED() bool       { return m.boolValue(func(v *values) *bool { return v.led }) }
func (m *Mirror) Buzzer() bool    { return m.boolValue(func(v *values) *bool { return v.buzzer }) }

// AirQuality returns AirQualityUnknown until an index has been observed.
func (m *Mirror) AirQuality() convert.AirQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.aqi == nil {
		return convert.AirQualityUnknown
	}
	return convert.ClassifyAirQuality(*m.st.aqi)
}

func (m *Mirror) PM25Density() float64 {
	return m.floatValue(func(v *values) *float64 { return v.aqi })
}

func (m *Mirror) Temperature() float64 {
	return m.floatValue(func(v *values) *float64 { return v.temperature })
}

func (m *Mirror) Humidity() float64 {
	return m.floatValue(func(v *values) *float64 { return v.humidity })
}

func (m *Mirror) boolValue(get func(*values) *bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := get(&m.st); p != nil {
		return *p
	}
	return false
}

func (m *Mirror) floatValue(get func(*values) *float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := get(&m.st); p != nil {
		return *p
	}
	return 0
}
