package rules

// Default is the built-in table: a gazetteer of places with recorded airspace
// incidents, drone vocabulary in English, Polish, Ukrainian and Russian
// transliteration, and phrasing typical of sighting reports.
var Default = MustTable(defaultRules)

var defaultRules = []Rule{
	{Name: "warsaw", Pattern: `warsaw|warszawa|warszawie|варшава`, Weight: 0.05, Category: CategoryLocation},
	{Name: "rzeszow", Pattern: `rzesz[oó]w|rzeszowie|jasionka`, Weight: 0.05, Category: CategoryLocation},
	{Name: "lublin", Pattern: `lublin|lublinie|люблін`, Weight: 0.05, Category: CategoryLocation},
	{Name: "gdansk", Pattern: `gda[nń]sk|gda[nń]sku|danzig`, Weight: 0.05, Category: CategoryLocation},
	{Name: "krakow", Pattern: `krak[oó]w|krakowie|cracow`, Weight: 0.05, Category: CategoryLocation},
	{Name: "vilnius", Pattern: `vilnius|wilno|вильнюс`, Weight: 0.05, Category: CategoryLocation},
	{Name: "riga", Pattern: `riga|rīga|рига`, Weight: 0.05, Category: CategoryLocation},
	{Name: "tallinn", Pattern: `tallinn|таллин`, Weight: 0.05, Category: CategoryLocation},
	{Name: "copenhagen", Pattern: `copenhagen|k[øo]benhavn|kastrup`, Weight: 0.05, Category: CategoryLocation},
	{Name: "oslo", Pattern: `oslo|gardermoen`, Weight: 0.05, Category: CategoryLocation},
	{Name: "aalborg", Pattern: `aalborg|[åa]lborg`, Weight: 0.05, Category: CategoryLocation},
	{Name: "munich", Pattern: `munich|m[üu]nchen`, Weight: 0.05, Category: CategoryLocation},
	{Name: "brussels", Pattern: `brussels|bruxelles|brussel|zaventem`, Weight: 0.05, Category: CategoryLocation},

	{Name: "drone", Pattern: `drones?|dron(?:y|a|ów)?|дрон(?:ы|и|ів)?`, Weight: 0.2, Category: CategoryTopic},
	{Name: "uav", Pattern: `uavs?|бпла|bsp`, Weight: 0.2, Category: CategoryTopic},
	{Name: "unmanned", Pattern: `unmanned|bezzałogow\p{L}*|беспилотн\p{L}*`, Weight: 0.15, Category: CategoryTopic},
	{Name: "quadcopter", Pattern: `quadcopters?|quadrocopters?|kwadrokopter\p{L}*`, Weight: 0.15, Category: CategoryTopic},
	{Name: "shahed", Pattern: `shahed|шахед|geran|герань`, Weight: 0.25, Category: CategoryTopic},
	{Name: "gerbera", Pattern: `gerbera|гербера`, Weight: 0.25, Category: CategoryTopic},
	{Name: "airspace", Pattern: `airspace|przestrze[nń] powietrzn\p{L}*`, Weight: 0.1, Category: CategoryTopic},
	{Name: "airport closure", Pattern: `airport (?:closed|closure|shut)|lotnisko zamkni\p{L}*`, Weight: 0.15, Category: CategoryTopic},

	{Name: "sighting", Pattern: `sighted|sighting|spotted|zauważ\p{L}*`, Weight: 0.1, Category: CategorySuspicion},
	{Name: "launch", Pattern: `launch(?:ed|es)?|wystrzel\p{L}*`, Weight: 0.1, Category: CategorySuspicion},
	{Name: "coordinates", Pattern: `coordinates|\d{1,2}\.\d{3,},\s*\d{1,3}\.\d{3,}`, Weight: 0.15, Category: CategorySuspicion},
	{Name: "military base", Pattern: `military base|air base|baza wojskow\p{L}*`, Weight: 0.15, Category: CategorySuspicion},
	{Name: "breaking", Pattern: `breaking|urgent|pilne`, Weight: 0.05, Category: CategorySuspicion},
}
