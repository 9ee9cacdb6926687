package register

// readOnlyFields are the EXT_CSD bytes that cannot change at runtime. Reading them back after a
// bus width change verifies the new width carries data correctly.
var readOnlyFields = []int{
	ExtCSDPartitionSupport,
	ExtCSDErasedMemCont,
	ExtCSDRev,
	ExtCSDStructure,
	ExtCSDCardType,
	ExtCSDSATimeout,
	ExtCSDHCWPGrpSize,
	ExtCSDEraseTimeoutMult,
	ExtCSDHCEraseGrpSize,
	ExtCSDSecTrimMult,
	ExtCSDSecEraseMult,
	ExtCSDSecFeatureSupport,
	ExtCSDTrimMult,
	ExtCSDSecCnt,
	ExtCSDSecCnt + 1,
	ExtCSDSecCnt + 2,
	ExtCSDSecCnt + 3,
	ExtCSDPwrCl52_195,
	ExtCSDPwrCl26_195,
	ExtCSDPwrCl52_360,
	ExtCSDPwrCl26_360,
	ExtCSDPwrCl200_195,
	ExtCSDPwrCl200_360,
	ExtCSDPwrClDDR52_195,
	ExtCSDPwrClDDR52_360,
	ExtCSDPwrClDDR200_360,
}

// SameReadOnlyFields reports whether two EXT_CSD reads agree on every read-only field.
func SameReadOnlyFields(a, b []byte) bool {
	if len(a) != ExtCSDSize || len(b) != ExtCSDSize {
		return false
	}
	for _, off := range readOnlyFields {
		if a[off] != b[off] {
			return false
		}
	}
	return true
}

// MutableFields are the EXT_CSD settings a device keeps across sleep but loses on power failure.
type MutableFields struct {
	CMDQ      byte
	CacheCtrl byte
	BusWidth  byte
	HSTiming  byte
}

// SnapshotMutable captures the mutable fields from a raw EXT_CSD.
func SnapshotMutable(raw []byte) MutableFields {
	return MutableFields{
		CMDQ:      raw[ExtCSDCMDQModeEn],
		CacheCtrl: raw[ExtCSDCacheCtrl],
		BusWidth:  raw[ExtCSDBusWidth],
		HSTiming:  raw[ExtCSDHSTiming],
	}
}
