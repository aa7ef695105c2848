package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Provider identifies which KMS backs a KEK.
type Provider string

// The four KMS providers the core understands, per spec §3/§4.1.
const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
	ProviderLocal Provider = "local"
)

// awsKEK holds the AWS KMS-specific fields of a KEK descriptor.
type awsKEK struct {
	region   string
	cmk      string
	endpoint *endpoint
}

// azureKEK holds the Azure Key Vault-specific fields of a KEK descriptor.
type azureKEK struct {
	keyVaultEndpoint *endpoint
	keyName          string
	keyVersion       string // empty means absent
}

// gcpKEK holds the GCP Cloud KMS-specific fields of a KEK descriptor.
type gcpKEK struct {
	projectID  string
	location   string
	keyRing    string
	keyName    string
	keyVersion string // empty means absent
	endpoint   *endpoint
}

// KEK is the tagged variant described in spec §3/§4.1: exactly one of the
// provider-specific fields is populated, selected by Provider.
type KEK struct {
	Provider Provider

	aws   awsKEK
	azure azureKEK
	gcp   gcpKEK
}

// ParseKEK decodes a masterKey document into a KEK, dispatching on the
// required "provider" field exactly as mongocrypt-kek.c does.
func ParseKEK(raw bson.Raw) (*KEK, Status) {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, clientError("masterKey is not a valid document: %v", err)
	}
	return parseKEKFromMap(doc)
}

func parseKEKFromMap(doc bson.M) (*KEK, Status) {
	providerVal, ok := doc["provider"]
	if !ok {
		return nil, clientError("missing required field: provider")
	}
	provider, ok := providerVal.(string)
	if !ok || provider == "" {
		return nil, clientError("field \"provider\" must be a non-empty string")
	}

	kek := &KEK{Provider: Provider(provider)}
	switch kek.Provider {
	case ProviderAWS:
		region, st := requiredUTF8(doc, "region")
		if !st.OK() {
			return nil, st
		}
		cmk, st := requiredUTF8(doc, "key")
		if !st.OK() {
			return nil, st
		}
		ep, st := optionalEndpoint(doc, "endpoint")
		if !st.OK() {
			return nil, st
		}
		kek.aws = awsKEK{region: region, cmk: cmk, endpoint: ep}

	case ProviderAzure:
		ep, st := requiredEndpoint(doc, "keyVaultEndpoint")
		if !st.OK() {
			return nil, st
		}
		keyName, st := requiredUTF8(doc, "keyName")
		if !st.OK() {
			return nil, st
		}
		keyVersion, st := optionalUTF8(doc, "keyVersion")
		if !st.OK() {
			return nil, st
		}
		kek.azure = azureKEK{keyVaultEndpoint: ep, keyName: keyName, keyVersion: keyVersion}

	case ProviderGCP:
		projectID, st := requiredUTF8(doc, "projectId")
		if !st.OK() {
			return nil, st
		}
		location, st := requiredUTF8(doc, "location")
		if !st.OK() {
			return nil, st
		}
		keyRing, st := requiredUTF8(doc, "keyRing")
		if !st.OK() {
			return nil, st
		}
		keyName, st := requiredUTF8(doc, "keyName")
		if !st.OK() {
			return nil, st
		}
		keyVersion, st := optionalUTF8(doc, "keyVersion")
		if !st.OK() {
			return nil, st
		}
		ep, st := optionalEndpoint(doc, "endpoint")
		if !st.OK() {
			return nil, st
		}
		kek.gcp = gcpKEK{
			projectID:  projectID,
			location:   location,
			keyRing:    keyRing,
			keyName:    keyName,
			keyVersion: keyVersion,
			endpoint:   ep,
		}

	case ProviderLocal:
		// No further fields.

	default:
		return nil, clientError("unrecognized KMS provider: %s", provider)
	}

	return kek, Status{}
}

// Serialize produces the BSON document form of the KEK, field order
// matching §4.1 ("provider plus the variant's fields in the order listed
// in §3"), omitting absent optional fields.
func (k *KEK) Serialize() (bson.Raw, Status) {
	d := bson.D{{Key: "provider", Value: string(k.Provider)}}
	switch k.Provider {
	case ProviderAWS:
		d = append(d, bson.E{Key: "region", Value: k.aws.region})
		d = append(d, bson.E{Key: "key", Value: k.aws.cmk})
		if k.aws.endpoint != nil {
			d = append(d, bson.E{Key: "endpoint", Value: k.aws.endpoint.String()})
		}
	case ProviderAzure:
		d = append(d, bson.E{Key: "keyVaultEndpoint", Value: k.azure.keyVaultEndpoint.String()})
		d = append(d, bson.E{Key: "keyName", Value: k.azure.keyName})
		if k.azure.keyVersion != "" {
			d = append(d, bson.E{Key: "keyVersion", Value: k.azure.keyVersion})
		}
	case ProviderGCP:
		d = append(d, bson.E{Key: "projectId", Value: k.gcp.projectID})
		d = append(d, bson.E{Key: "location", Value: k.gcp.location})
		d = append(d, bson.E{Key: "keyRing", Value: k.gcp.keyRing})
		d = append(d, bson.E{Key: "keyName", Value: k.gcp.keyName})
		if k.gcp.keyVersion != "" {
			d = append(d, bson.E{Key: "keyVersion", Value: k.gcp.keyVersion})
		}
		if k.gcp.endpoint != nil {
			d = append(d, bson.E{Key: "endpoint", Value: k.gcp.endpoint.String()})
		}
	case ProviderLocal:
		// no further fields
	}

	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, clientError("failed to serialize KEK: %v", err)
	}
	return raw, Status{}
}

// Clone deep-copies all owned strings and endpoint structures.
func (k *KEK) Clone() *KEK {
	if k == nil {
		return nil
	}
	cp := &KEK{Provider: k.Provider}
	switch k.Provider {
	case ProviderAWS:
		cp.aws = awsKEK{region: k.aws.region, cmk: k.aws.cmk, endpoint: k.aws.endpoint.clone()}
	case ProviderAzure:
		cp.azure = azureKEK{
			keyVaultEndpoint: k.azure.keyVaultEndpoint.clone(),
			keyName:          k.azure.keyName,
			keyVersion:       k.azure.keyVersion,
		}
	case ProviderGCP:
		cp.gcp = gcpKEK{
			projectID:  k.gcp.projectID,
			location:   k.gcp.location,
			keyRing:    k.gcp.keyRing,
			keyName:    k.gcp.keyName,
			keyVersion: k.gcp.keyVersion,
			endpoint:   k.gcp.endpoint.clone(),
		}
	}
	return cp
}

// identity returns a string uniquely naming the underlying KMS key this
// KEK refers to, used by the broker/KMS dialers to pick a client.
func (k *KEK) identity() string {
	switch k.Provider {
	case ProviderAWS:
		return "aws:" + k.aws.region + ":" + k.aws.cmk
	case ProviderAzure:
		return "azure:" + k.azure.keyVaultEndpoint.String() + ":" + k.azure.keyName
	case ProviderGCP:
		return "gcp:" + k.gcp.projectID + ":" + k.gcp.location + ":" + k.gcp.keyRing + ":" + k.gcp.keyName
	default:
		return "local"
	}
}

func requiredUTF8(doc bson.M, field string) (string, Status) {
	val, ok := doc[field]
	if !ok {
		return "", clientError("missing required field: %s", field)
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return "", clientError("field %q must be a non-empty UTF-8 string", field)
	}
	return s, Status{}
}

func optionalUTF8(doc bson.M, field string) (string, Status) {
	val, ok := doc[field]
	if !ok {
		return "", Status{}
	}
	s, ok := val.(string)
	if !ok {
		return "", clientError("field %q must be a string", field)
	}
	return s, Status{}
}

func requiredEndpoint(doc bson.M, field string) (*endpoint, Status) {
	s, st := requiredUTF8(doc, field)
	if !st.OK() {
		return nil, st
	}
	return parseEndpoint(s)
}

func optionalEndpoint(doc bson.M, field string) (*endpoint, Status) {
	val, ok := doc[field]
	if !ok {
		return nil, Status{}
	}
	s, ok := val.(string)
	if !ok {
		return nil, clientError("field %q must be a string", field)
	}
	return parseEndpoint(s)
}
