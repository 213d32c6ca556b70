package models

// StageKey identifies one step of the processing pipeline. The set is
// closed: new stages require a new builder and a new enum value.
type StageKey string

const (
	StageImport       StageKey = "Import"
	StageMotionCorr   StageKey = "MotionCorr"
	StageCtfFind      StageKey = "CtfFind"
	StageManualPick   StageKey = "ManualPick"
	StageAutoPick     StageKey = "AutoPick"
	StageExtract      StageKey = "Extract"
	StageClass2D      StageKey = "Class2D"
	StageClass3D      StageKey = "Class3D"
	StageInitialModel StageKey = "InitialModel"
	StageAutoRefine   StageKey = "AutoRefine"
	StageMaskCreate   StageKey = "MaskCreate"
	StagePostProcess  StageKey = "PostProcess"
	StageLocalRes     StageKey = "LocalRes"
	StageCtfRefine    StageKey = "CtfRefine"
	StagePolish       StageKey = "Polish"
	StageModelAngelo  StageKey = "ModelAngelo"
	StageDynamight    StageKey = "Dynamight"
	StageManualSelect StageKey = "ManualSelect"
	StageSubset       StageKey = "Subset"
	StageSubtract     StageKey = "Subtract"
	StageJoinStar     StageKey = "JoinStar"
)

// AllStageKeys lists every known stage in declaration order.
var AllStageKeys = []StageKey{
	StageImport, StageMotionCorr, StageCtfFind, StageManualPick, StageAutoPick,
	StageExtract, StageClass2D, StageClass3D, StageInitialModel, StageAutoRefine,
	StageMaskCreate, StagePostProcess, StageLocalRes, StageCtfRefine, StagePolish,
	StageModelAngelo, StageDynamight, StageManualSelect, StageSubset,
	StageSubtract, StageJoinStar,
}

// LivePipelineOrder is the fixed stage order a live session advances through.
// Picking is either ManualPick or AutoPick depending on session configuration;
// Class2D runs out of band when the particle threshold is crossed.
var LivePipelineOrder = []StageKey{
	StageImport, StageMotionCorr, StageCtfFind, StageAutoPick, StageExtract,
}

// IsValid reports whether k is one of the known stage keys.
func (k StageKey) IsValid() bool {
	for _, s := range AllStageKeys {
		if s == k {
			return true
		}
	}
	return false
}

// IsPick reports whether k is a particle-picking stage.
func (k StageKey) IsPick() bool {
	return k == StageManualPick || k == StageAutoPick
}
