package cryptox

import (
	"encoding/xml"
	"fmt"
)

const (
	submissionNS = "http://opendatakit.org/submissions"
	xformsNS     = "http://openrosa.org/xforms"
)

// manifest is the encrypted-submission envelope. Element order is fixed by
// the wire format: wrapped key, meta, media groups, encrypted XML name,
// signature. Each media file gets its own <media> group with a single
// <file> child; collapsing them into one group breaks older collectors.
type manifest struct {
	XMLName   xml.Name `xml:"data"`
	XMLNS     string   `xml:"xmlns,attr"`
	Encrypted string   `xml:"encrypted,attr"`
	ID        string   `xml:"id,attr"`
	Version   string   `xml:"version,attr,omitempty"`

	Base64EncryptedKey string          `xml:"base64EncryptedKey"`
	Meta               manifestMeta    `xml:"meta"`
	Media              []manifestMedia `xml:"media"`
	EncryptedXMLFile   manifestFile    `xml:"encryptedXmlFile"`
	Signature          string          `xml:"base64EncryptedElementSignature"`
}

type manifestMeta struct {
	XMLNS      string `xml:"xmlns,attr"`
	InstanceID string `xml:"instanceID"`
}

type manifestMedia struct {
	File manifestFile `xml:"file"`
}

// manifestFile names one encrypted payload. It always carries a
// type="file" attribute marking the element as a file reference for the
// submission transport.
type manifestFile struct {
	Name string
}
func (f manifestFile) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: "file"})
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(f.Name)); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func buildManifest(formID, version, wrappedKey, instanceID string, mediaNames []string, xmlName, signature string) (string, error) {
	m := manifest{
		XMLNS:              submissionNS,
		Encrypted:          "yes",
		ID:                 formID,
		Version:            version,
		Base64EncryptedKey: wrappedKey,
		Meta:               manifestMeta{XMLNS: xformsNS, InstanceID: instanceID},
		EncryptedXMLFile:   manifestFile{Name: xmlName},
		Signature:          signature,
	}
	for _, name := range mediaNames {
		m.Media = append(m.Media, manifestMedia{File: manifestFile{Name: name}})
	}

	out, err := xml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return string(out), nil
}
