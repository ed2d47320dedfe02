package domain

// LinkQuality grades how well a node was last heard. Thresholds follow the
// usual LoRa indicator bands: SNR -7/-15 dB and RSSI -115/-126 dBm.
type LinkQuality int

const (
	LinkUnknown LinkQuality = iota
	LinkPoor
	LinkFair
	LinkGood
)

const (
	goodSNR  = -7.0
	fairSNR  = -15.0
	goodRSSI = -115
	fairRSSI = -126
)

func (q LinkQuality) String() string {
	switch q {
	case LinkPoor:
		return "poor"
	case LinkFair:
		return "fair"
	case LinkGood:
		return "good"
	default:
		return "unknown"
	}
}

// ClassifyLink grades the last reception. Both readings are required.
func ClassifyLink(snr *float64, rssi *int) LinkQuality {
	if snr == nil || rssi == nil || *rssi == 0 {
		return LinkUnknown
	}
	switch {
	case *snr >= goodSNR && *rssi >= goodRSSI:
		return LinkGood
	case *snr >= fairSNR && *rssi >= fairRSSI:
		return LinkFair
	default:
		return LinkPoor
	}
}

// LinkQualityOf grades the node's last reception.
func LinkQualityOf(n Node) LinkQuality {
	return ClassifyLink(n.SNR, n.RSSI)
}
