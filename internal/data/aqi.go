// internal/data/aqi.go
package data

import "math"

// AQIBand is a PM2.5 category (μg/m³) with its display color.
type AQIBand struct {
	Min         float64  `json:"-"`
	Max         float64  `json:"-"`
	Label       string   `json:"label"`
	Color       string   `json:"color"`
	RGB         [3]uint8 `json:"rgb"`
	Description string   `json:"description"`
}

// AQIBands is ordered by increasing PM2.5.
var AQIBands = []AQIBand{
	{Min: 0, Max: 35, Label: "Good", Color: "#84994F", RGB: [3]uint8{132, 153, 79}, Description: "Air quality is satisfactory"},
	{Min: 35, Max: 75, Label: "Moderate", Color: "#FFE797", RGB: [3]uint8{255, 231, 151}, Description: "Acceptable for most people"},
	{Min: 75, Max: 150, Label: "Unhealthy", Color: "#FCB53B", RGB: [3]uint8{252, 181, 59}, Description: "Everyone may experience problems"},
	{Min: 150, Max: math.Inf(1), Label: "Hazardous", Color: "#B45253", RGB: [3]uint8{180, 82, 83}, Description: "Emergency conditions"},
}

// BandIndex returns the index into AQIBands for pm25. Upper bounds are
// inclusive; anything below zero counts as Good.
func BandIndex(pm25 float64) int {
	for i, b := range AQIBands {
		if pm25 <= b.Max {
			return i
		}
	}
	return len(AQIBands) - 1
}

// BandFor returns the AQI band for pm25.
func BandFor(pm25 float64) AQIBand {
	return AQIBands[BandIndex(pm25)]
}
