package entity

// SensorData is the state of one mPower outlet, as reported by GET /sensors.
type SensorData struct {
	Label       string  `json:"label"`
	Port        int     `json:"port"`
	Output      int     `json:"output"`      // relay state, 1 on, 0 off
	Power       float64 `json:"power"`       // watts
	Current     float64 `json:"current"`     // amps
	Voltage     float64 `json:"voltage"`     // volts
	PowerFactor float64 `json:"powerfactor"` // 0..1
	Energy      float64 `json:"energy"`      // watt hours, monotonic
}

func (data *SensorData) Clone() *SensorData {
	if data == nil {
		return nil
	}
	clone := *data
	return &clone
}

// ApplyDelta overwrites the metrics carried by delta. Port and label are
// never touched.
func (data *SensorData) ApplyDelta(delta *SensorDelta) {
	if delta.Output != nil {
		data.Output = *delta.Output
	}
	if delta.Power != nil {
		data.Power = *delta.Power
	}
	if delta.Current != nil {
		data.Current = *delta.Current
	}
	if delta.Voltage != nil {
		data.Voltage = *delta.Voltage
	}
	if delta.PowerFactor != nil {
		data.PowerFactor = *delta.PowerFactor
	}
	if delta.Energy != nil {
		data.Energy = *delta.Energy
	}
}

func (data *SensorData) Value(kind MetricKind) float64 {
	switch kind {
	case MetricOutput:
		return float64(data.Output)
	case MetricPower:
		return data.Power
	case MetricCurrent:
		return data.Current
	case MetricVoltage:
		return data.Voltage
	case MetricPowerFactor:
		return data.PowerFactor
	case MetricEnergy:
		return data.Energy
	default:
		return 0
	}
}

// SensorDelta is a partial outlet update pushed over the websocket. Only the
// fields present in the frame are set.
type SensorDelta struct {
	Port        int      `json:"port"`
	Output      *int     `json:"output,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	PowerFactor *float64 `json:"powerfactor,omitempty"`
	Energy      *float64 `json:"energy,omitempty"`
}
