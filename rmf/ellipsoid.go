package rmf

import "sync"

// Ellipsoid describes a reference ellipsoid code of the extended header.
type Ellipsoid struct {
	Name string
	EPSG int // EPSG ellipsoid code
}

// ellipsoids maps extended header codes to ellipsoids. It is built on
// first use.
var ellipsoids = sync.OnceValue(func() map[int32]Ellipsoid {
	return map[int32]Ellipsoid{
		1: {"Krassowsky 1940", 7024},
		2: {"WGS 72", 7043},
		3: {"International 1924", 7022},
		4: {"Clarke 1880", 7034},
		5: {"Clarke 1866", 7008},
		6: {"Everest 1830", 7015},
		7: {"Bessel 1841", 7004},
		8: {"Airy 1830", 7001},
		9: {"WGS 84", 7030},
	}
})

// LookupEllipsoid returns the ellipsoid for an extended header code.
func LookupEllipsoid(code int32) (Ellipsoid, bool) {
	e, ok := ellipsoids()[code]
	return e, ok
}
