package controls

// Kind is the type of a control.
type Kind string

// Control kinds.
const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindNumber       Kind = "number"
	KindSwitch       Kind = "switch"
	KindButton       Kind = "button"
)

// Control describes one user-facing view of the controller's registers.
type Control struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// ReadPath is the register that holds the control's state.
	ReadPath string `json:"read_path,omitempty"`

	// WritePath is written by numbers, by buttons and when a switch turns on.
	WritePath string `json:"write_path,omitempty"`

	// OffPath is written when a switch turns off.
	OffPath string `json:"off_path,omitempty"`

	// OffState is the raw value of ReadPath that means a switch is off.
	OffState string `json:"-"`

	// PressValue is the value written by buttons and switches.
	PressValue string `json:"-"`

	// Multiplier scales the raw value for display. Zero means 1.
	Multiplier float64 `json:"multiplier,omitempty"`

	Min  float64 `json:"min,omitempty"`
	Max  float64 `json:"max,omitempty"`
	Step float64 `json:"step,omitempty"`

	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// Writable reports whether the control accepts commands.
func (c Control) Writable() bool {
	return c.Kind == KindNumber || c.Kind == KindSwitch || c.Kind == KindButton
}

func (c Control) multiplier() float64 {
	if c.Multiplier == 0 {
		return 1
	}
	return c.Multiplier
}

// DeviceInfo identifies the controller to consumers.
type DeviceInfo struct {
	Identifier       string `json:"identifier"`
	Name             string `json:"name"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	ConfigurationURL string `json:"configuration_url,omitempty"`
}

// NewDeviceInfo describes the controller with the given serial and address.
func NewDeviceInfo(serial, host string) DeviceInfo {
	info := DeviceInfo{
		Identifier:   serial,
		Name:         "NBE Boiler",
		Manufacturer: "NBE",
		Model:        "V7/V13 Controller",
	}
	if host != "" {
		info.ConfigurationURL = "http://" + host
	}
	return info
}

// notFitted is reported for sensors that are not installed.
const notFitted = "999.9"

// stateOff is the operating state code of a stopped boiler.
const stateOff = "14"

// Catalogue returns the standard controls of a V7/V13 controller.
func Catalogue() []Control {
	temp := func(id, name, path, icon string) Control {
		return Control{
			ID: id, Name: name, Kind: KindSensor, ReadPath: path,
			Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: icon,
		}
	}

	return []Control{
		{ID: "boiler_power_pct", Name: "Boiler Running", Kind: KindBinarySensor,
			ReadPath: "operating_data/power_pct", DeviceClass: "running", Icon: "mdi:fire"},
		{ID: "boiler_state_off_on_alarm", Name: "Boiler Alarm", Kind: KindBinarySensor,
			ReadPath: "operating_data/off_on_alarm", DeviceClass: "problem", Icon: "mdi:alert-circle"},
		{ID: "house_pump_state", Name: "Boiler Pump", Kind: KindBinarySensor,
			ReadPath: "operating_data/boiler_pump_state", Icon: "mdi:pump"},

		temp("boiler_temp", "Temperature Boiler", "operating_data/boiler_temp", "mdi:thermometer"),
		temp("boiler_ref", "Temperature Target", "operating_data/boiler_ref", "mdi:thermometer-check"),
		temp("smoke_temp", "Temperature Smoke", "operating_data/smoke_temp", "mdi:thermometer-alert"),
		temp("return_temp", "Temperature Return", "operating_data/return_temp", "mdi:thermometer-water"),
		temp("shaft_temp", "Temperature Shaft", "operating_data/shaft_temp", "mdi:thermometer-lines"),
		temp("external_temp", "Temperature External", "operating_data/external_temp", "mdi:thermometer"),
		temp("dhw_temp", "Temperature DHW", "operating_data/dhw_temp", "mdi:water-thermometer"),

		{ID: "power_pct", Name: "Boiler Power %", Kind: KindSensor, ReadPath: "operating_data/power_pct",
			Unit: "%", DeviceClass: "power_factor", StateClass: "measurement", Icon: "mdi:lightning-bolt-outline"},
		{ID: "power_kw", Name: "Boiler Power kW", Kind: KindSensor, ReadPath: "operating_data/power_kw",
			Unit: "kW", DeviceClass: "power", StateClass: "measurement", Icon: "mdi:lightning-bolt"},
		{ID: "photo_level", Name: "Photo Sensor", Kind: KindSensor, ReadPath: "operating_data/photo_level",
			Unit: "lx", DeviceClass: "illuminance", StateClass: "measurement", Icon: "mdi:eye"},
		{ID: "oxygen_level", Name: "Oxygen (O2)", Kind: KindSensor, ReadPath: "operating_data/oxygen",
			Unit: "%", StateClass: "measurement", Icon: "mdi:gas-cylinder"},
		{ID: "pelletcounter", Name: "Total Pellet Consumption", Kind: KindSensor, ReadPath: "consumption_data/counter",
			Unit: "kg", DeviceClass: "weight", StateClass: "total_increasing", Icon: "mdi:chart-line"},
		{ID: "hopper_content", Name: "Hopper Content", Kind: KindSensor, ReadPath: "operating_data/content",
			Multiplier: 10, Unit: "kg", DeviceClass: "weight", StateClass: "measurement", Icon: "mdi:silo"},
		{ID: "boiler_state_code", Name: "State Code", Kind: KindSensor, ReadPath: "operating_data/state",
			StateClass: "measurement", Icon: "mdi:information-outline"},

		{ID: "boiler_target_temp", Name: "Boiler Target Temp", Kind: KindNumber,
			ReadPath: "operating_data/boiler_ref", WritePath: "settings/boiler/temp",
			Min: 10, Max: 85, Step: 1, Unit: "°C", DeviceClass: "temperature", Icon: "mdi:thermometer-check"},
		{ID: "hopper_content_level", Name: "Hopper Content", Kind: KindNumber,
			ReadPath: "operating_data/content", WritePath: "settings/hopper/content", Multiplier: 10,
			Min: 0, Max: 9000, Step: 1, Unit: "kg", DeviceClass: "weight", Icon: "mdi:silo"},

		{ID: "boiler_power", Name: "Boiler Power", Kind: KindSwitch,
			ReadPath: "operating_data/state", OffState: stateOff,
			WritePath: "settings/misc/start", OffPath: "settings/misc/stop", PressValue: "1",
			DeviceClass: "switch", Icon: "mdi:power"},

		{ID: "reset_alarm", Name: "Reset Boiler Alarm", Kind: KindButton,
			WritePath: "settings/misc/reset_alarm", PressValue: "1", Icon: "mdi:alert-remove-outline"},
	}
}
