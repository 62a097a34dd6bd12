package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/manthysbr/codesense/internal/core/ports"
)

const (
	propJobID        = "codesense:job:id"
	propJobName      = "codesense:job:name"
	propProjectID    = "codesense:project:id"
	propRequester    = "codesense:requester"
	propFilesScanned = "codesense:files:scanned"
	propFilesSkipped = "codesense:files:skipped"
)

var version = func() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}()

type report struct {
	leaks   []Leak
	scanned int
	skipped int
}

func cryptoMaterialType(ruleID string) cdx.RelatedCryptoMaterialType {
	switch {
	case strings.Contains(ruleID, "private-key"):
		return cdx.RelatedCryptoMaterialTypePrivateKey
	case strings.Contains(ruleID, "jwt"), strings.Contains(ruleID, "token"):
		return cdx.RelatedCryptoMaterialTypeToken
	case strings.Contains(ruleID, "key"):
		return cdx.RelatedCryptoMaterialTypeKey
	case strings.Contains(ruleID, "password"):
		return cdx.RelatedCryptoMaterialTypePassword
	}
	return cdx.RelatedCryptoMaterialTypeUnknown
}

func leakComponent(leak Leak) cdx.Component {
	kind := cryptoMaterialType(leak.RuleID)
	sum := sha256.Sum256([]byte(leak.File + "\x00" + leak.RuleID + "\x00" + strconv.Itoa(leak.StartLine)))
	line := leak.StartLine

	return cdx.Component{
		BOMRef:      fmt.Sprintf("crypto/%s/%s", kind, hex.EncodeToString(sum[:8])),
		Name:        leak.RuleID,
		Description: leak.Description,
		Type:        cdx.ComponentTypeCryptographicAsset,
		CryptoProperties: &cdx.CryptoProperties{
			AssetType: cdx.CryptoAssetTypeRelatedCryptoMaterial,
			RelatedCryptoMaterialProperties: &cdx.RelatedCryptoMaterialProperties{
				Type: kind,
			},
		},
		Evidence: &cdx.Evidence{
			Occurrences: &[]cdx.EvidenceOccurrence{
				{Location: leak.File, Line: &line},
			},
		},
	}
}

// encodeBOM renders the findings of one job as a CycloneDX 1.6 document.
func encodeBOM(req ports.AnalysisRequest, r report) ([]byte, error) {
	components := make([]cdx.Component, 0, len(r.leaks))
	for _, leak := range r.leaks {
		components = append(components, leakComponent(leak))
	}

	properties := []cdx.Property{
		{Name: propJobID, Value: string(req.JobID)},
		{Name: propJobName, Value: req.JobName},
		{Name: propProjectID, Value: req.ProjectID},
		{Name: propFilesScanned, Value: strconv.Itoa(r.scanned)},
		{Name: propFilesSkipped, Value: strconv.Itoa(r.skipped)},
	}
	if req.RequesterTag != "" {
		properties = append(properties, cdx.Property{Name: propRequester, Value: req.RequesterTag})
	}

	dependencies := []cdx.Dependency{}
	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "codesense",
				Version: version,
			},
		},
		Components:   &components,
		Dependencies: &dependencies,
		Properties:   &properties,
	}

	var buf bytes.Buffer
	if err := cdx.NewBOMEncoder(&buf, cdx.BOMFileFormatJSON).SetPretty(false).Encode(&bom); err != nil {
		return nil, fmt.Errorf("encoding BOM: %w", err)
	}
	return buf.Bytes(), nil
}
