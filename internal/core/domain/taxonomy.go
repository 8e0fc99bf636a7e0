package domain

// Taxonomy is the ordered list of recognised symbol classes. A class id is
// the zero-based index into this list.
var Taxonomy = []TaxonomyEntry{
	{"Pump_Centrifugal", CategoryEquipment},
	{"Pump_Positive_Displacement", CategoryEquipment},
	{"Compressor_Centrifugal", CategoryEquipment},
	{"Compressor_Reciprocating", CategoryEquipment},
	{"Vessel_Vertical", CategoryEquipment},
	{"Vessel_Horizontal", CategoryEquipment},
	{"Tank_Atmospheric", CategoryEquipment},
	{"Column_Tower", CategoryEquipment},
	{"Heat_Exchanger_Shell_Tube", CategoryEquipment},
	{"Heat_Exchanger_Plate", CategoryEquipment},
	{"Air_Cooler", CategoryEquipment},
	{"Furnace_Heater", CategoryEquipment},
	{"Reactor", CategoryEquipment},
	{"Filter", CategoryEquipment},
	{"Mixer_Agitator", CategoryEquipment},
	{"Blower_Fan", CategoryEquipment},

	{"Instrument_Field", CategoryInstrument},
	{"Instrument_Panel", CategoryInstrument},
	{"Instrument_DCS", CategoryInstrument},
	{"Instrument_PLC", CategoryInstrument},
	{"Flow_Transmitter", CategoryInstrument},
	{"Pressure_Transmitter", CategoryInstrument},
	{"Temperature_Transmitter", CategoryInstrument},
	{"Level_Transmitter", CategoryInstrument},
	{"Flow_Orifice", CategoryInstrument},
	{"Flow_Meter_Magnetic", CategoryInstrument},
	{"Pressure_Gauge", CategoryInstrument},
	{"Temperature_Element", CategoryInstrument},
	{"Level_Gauge", CategoryInstrument},
	{"Analyzer", CategoryInstrument},

	{"Valve_Gate", CategoryValve},
	{"Valve_Globe", CategoryValve},
	{"Valve_Ball", CategoryValve},
	{"Valve_Butterfly", CategoryValve},
	{"Valve_Check", CategoryValve},
	{"Valve_Plug", CategoryValve},
	{"Valve_Needle", CategoryValve},
	{"Valve_Diaphragm", CategoryValve},
	{"Valve_Three_Way", CategoryValve},
	{"Valve_Control", CategoryValve},
	{"Valve_Safety_Relief", CategoryValve},
	{"Valve_Solenoid", CategoryValve},
	{"Valve_Angle", CategoryValve},
	{"Valve_Pressure_Regulator", CategoryValve},

	{"Reducer", CategoryOther},
	{"Blind_Flange", CategoryOther},
	{"Spectacle_Blind", CategoryOther},
	{"Strainer", CategoryOther},
	{"Steam_Trap", CategoryOther},
	{"Off_Page_Connector", CategoryOther},
}

type TaxonomyEntry struct {
	Class    SymbolClass
	Category SymbolCategory
}

var taxonomyIndex = func() map[SymbolClass]int {
	idx := make(map[SymbolClass]int, len(Taxonomy))
	for i, e := range Taxonomy {
		idx[e.Class] = i
	}
	return idx
}()

// ClassByID resolves a model class id.
func ClassByID(id int) (TaxonomyEntry, bool) {
	if id < 0 || id >= len(Taxonomy) {
		return TaxonomyEntry{}, false
	}
	return Taxonomy[id], true
}

func ClassID(class SymbolClass) (int, bool) {
	id, ok := taxonomyIndex[class]
	return id, ok
}

func CategoryOf(class SymbolClass) (SymbolCategory, bool) {
	id, ok := taxonomyIndex[class]
	if !ok {
		return "", false
	}
	return Taxonomy[id].Category, true
}
