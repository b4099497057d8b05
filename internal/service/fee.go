package service

// FeePolicy computes the fee withheld from a pot and how it is shared out.
// The share rates are basis points of the fee, not of the pot.
type FeePolicy struct {
	Bps               int64
	MinFee            int64
	CommunityShareBps int64
	PartnerShareBps   int64
}

// FeeBreakdown is the fee of one payout and its allocation. Platform,
// Community and Partner always add up to Fee.
type FeeBreakdown struct {
	Fee       int64
	Net       int64
	Platform  int64
	Community int64
	Partner   int64
}

// Split returns the fee and the net amount paid to the recipient.
// Verified groups pay half the rate; the fee never drops below MinFee nor
// exceeds the pot.
func (p FeePolicy) Split(gross int64, verified bool) (fee, net int64) {
	if gross <= 0 {
		return 0, 0
	}
	fee = gross * p.Bps / 10000
	if verified {
		fee /= 2
	}
	if fee < p.MinFee {
		fee = p.MinFee
	}
	if fee > gross {
		fee = gross
	}
	return fee, gross - fee
}

// Breakdown splits the pot like Split and allocates the fee. The platform and
// community shares round down; the partner reserve takes the remainder.
func (p FeePolicy) Breakdown(gross int64, verified bool) FeeBreakdown {
	fee, net := p.Split(gross, verified)
	platform := fee * (10000 - p.CommunityShareBps - p.PartnerShareBps) / 10000
	community := fee * p.CommunityShareBps / 10000
	return FeeBreakdown{
		Fee:       fee,
		Net:       net,
		Platform:  platform,
		Community: community,
		Partner:   fee - platform - community,
	}
}
