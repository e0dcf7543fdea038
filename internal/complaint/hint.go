package complaint

var tierColors = map[Tier]string{
	TierHigh:     "FF0000",
	TierModerate: "FFFF00",
	TierLow:      "00FF00",
}

var bandColors = map[Band]string{
	BandResolved:    "00FF00",
	BandRed:         "FF0000",
	BandYellow:      "FFFF00",
	BandBlue:        "0000FF",
	BandEarly:       "ADD8E6",
	BandWarning:     "FFFF00",
	BandHighWarning: "FF1493",
	BandCritical:    "FF0000",
}

// HintFor returns the rendering hint for a tier and band. Bands without a
// colour (None, Unknown) leave BandColor empty.
func HintFor(t Tier, b Band) RenderHint {
	return RenderHint{TierColor: tierColors[t], BandColor: bandColors[b]}
}
