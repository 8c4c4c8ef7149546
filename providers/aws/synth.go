package aws

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relationaldba/provisiond/internal/ir"
)

// Amazon Linux 2023 image parameters, resolved by CloudFormation at apply
// time.
const (
	ARMImageParameter = "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-arm64"
	X86ImageParameter = "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64"
)

// SynthConfig holds the synthesizer defaults.
type SynthConfig struct {
	SubnetMask  int
	AppPortFrom int
	AppPortTo   int

	InstanceClass string
	InstanceSize  string
	DiskSize      int

	RecordTTL int

	ARMImageParameter string
	X86ImageParameter string

	// Tags are added to every taggable resource.
	Tags map[string]string
}

// DefaultSynthConfig returns the defaults used when nothing is configured.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		SubnetMask:        26,
		AppPortFrom:       8000,
		AppPortTo:         9999,
		InstanceClass:     "BURSTABLE4_GRAVITON",
		InstanceSize:      "LARGE",
		DiskSize:          10,
		RecordTTL:         300,
		ARMImageParameter: ARMImageParameter,
		X86ImageParameter: X86ImageParameter,
	}
}

type family struct {
	prefix   string
	graviton bool
	sizes    []string
}

var (
	burstableSizes = []string{"nano", "micro", "small", "medium", "large", "xlarge", "2xlarge"}
	gravitonSizes  = []string{"medium", "large", "xlarge", "2xlarge", "4xlarge", "8xlarge", "12xlarge", "16xlarge"}
	standardSizes  = []string{"large", "xlarge", "2xlarge", "4xlarge", "8xlarge", "12xlarge", "16xlarge", "24xlarge"}
)

var instanceClasses = map[string]family{
	"BURSTABLE2":          {"t2", false, burstableSizes},
	"BURSTABLE3":          {"t3", false, burstableSizes},
	"BURSTABLE3_AMD":      {"t3a", false, burstableSizes},
	"BURSTABLE4_GRAVITON": {"t4g", true, burstableSizes},
	"STANDARD5":           {"m5", false, standardSizes},
	"STANDARD5_AMD":       {"m5a", false, standardSizes},
	"STANDARD6_INTEL":     {"m6i", false, standardSizes},
	"STANDARD6_AMD":       {"m6a", false, standardSizes},
	"STANDARD6_GRAVITON":  {"m6g", true, gravitonSizes},
	"STANDARD7_GRAVITON":  {"m7g", true, gravitonSizes},
	"COMPUTE5":            {"c5", false, standardSizes},
	"COMPUTE6_INTEL":      {"c6i", false, standardSizes},
	"COMPUTE6_GRAVITON2":  {"c6g", true, gravitonSizes},
	"COMPUTE7_GRAVITON3":  {"c7g", true, gravitonSizes},
	"MEMORY5":             {"r5", false, standardSizes},
	"MEMORY6_INTEL":       {"r6i", false, standardSizes},
	"MEMORY6_GRAVITON":    {"r6g", true, gravitonSizes},
	"MEMORY7_GRAVITON":    {"r7g", true, gravitonSizes},
}

var instanceSizes = map[string]string{
	"NANO":     "nano",
	"MICRO":    "micro",
	"SMALL":    "small",
	"MEDIUM":   "medium",
	"LARGE":    "large",
	"XLARGE":   "xlarge",
	"XLARGE2":  "2xlarge",
	"XLARGE4":  "4xlarge",
	"XLARGE8":  "8xlarge",
	"XLARGE12": "12xlarge",
	"XLARGE16": "16xlarge",
	"XLARGE24": "24xlarge",
}

var stackNameRe = regexp.MustCompile(`^[A-Za-z][-A-Za-z0-9]*$`)

const maxDiskSize = 16384

// InstanceType resolves a class and size, in either CDK or API spelling,
// to an EC2 instance type. It reports whether the type runs on arm64.
func InstanceType(class, size string) (string, bool, error) {
	fam, ok := lookupClass(class)
	if !ok {
		return "", false, &ir.ValidationError{Field: ir.OverrideInstanceClass, Reason: fmt.Sprintf("unknown instance class %q", class)}
	}
	sz, ok := lookupSize(size)
	if !ok {
		return "", false, &ir.ValidationError{Field: ir.OverrideInstanceSize, Reason: fmt.Sprintf("unknown instance size %q", size)}
	}
	for _, s := range fam.sizes {
		if s == sz {
			return fam.prefix + "." + sz, fam.graviton, nil
		}
	}
	return "", false, &ir.ValidationError{Field: ir.OverrideInstanceSize, Reason: fmt.Sprintf("%s does not offer size %s", fam.prefix, sz)}
}

func lookupClass(class string) (family, bool) {
	if fam, ok := instanceClasses[strings.ToUpper(class)]; ok {
		return fam, true
	}
	for _, fam := range instanceClasses {
		if strings.EqualFold(fam.prefix, class) {
			return fam, true
		}
	}
	return family{}, false
}

func lookupSize(size string) (string, bool) {
	if sz, ok := instanceSizes[strings.ToUpper(size)]; ok {
		return sz, true
	}
	for _, sz := range instanceSizes {
		if strings.EqualFold(sz, size) {
			return sz, true
		}
	}
	return "", false
}

// Synthesizer renders the single-instance stack template.
type Synthesizer struct {
	cfg SynthConfig
}

// NewSynthesizer returns a Synthesizer. Zero fields in cfg take their
// defaults.
func NewSynthesizer(cfg SynthConfig) *Synthesizer {
	def := DefaultSynthConfig()
	if cfg.SubnetMask == 0 {
		cfg.SubnetMask = def.SubnetMask
	}
	if cfg.AppPortFrom == 0 && cfg.AppPortTo == 0 {
		cfg.AppPortFrom, cfg.AppPortTo = def.AppPortFrom, def.AppPortTo
	}
	if cfg.InstanceClass == "" {
		cfg.InstanceClass = def.InstanceClass
	}
	if cfg.InstanceSize == "" {
		cfg.InstanceSize = def.InstanceSize
	}
	if cfg.DiskSize == 0 {
		cfg.DiskSize = def.DiskSize
	}
	if cfg.RecordTTL == 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.ARMImageParameter == "" {
		cfg.ARMImageParameter = def.ARMImageParameter
	}
	if cfg.X86ImageParameter == "" {
		cfg.X86ImageParameter = def.X86ImageParameter
	}
	return &Synthesizer{cfg: cfg}
}

// Synthesize builds the template for p. Invalid parameters are reported as
// *ir.ValidationError.
func (s *Synthesizer) Synthesize(p ir.TemplateParams) (*ir.Template, error) {
	if len(p.StackName) > 128 || !stackNameRe.MatchString(p.StackName) {
		return nil, &ir.ValidationError{Field: "stack_name", Reason: fmt.Sprintf("%q must start with a letter, contain only letters, digits and hyphens, and be at most 128 characters", p.StackName)}
	}
	if p.PublicKey == "" {
		return nil, &ir.ValidationError{Field: "public_key", Reason: "must not be empty"}
	}
	if len(p.Environment.AvailabilityZones) == 0 {
		return nil, &ir.ValidationError{Field: "availability_zones", Reason: "no availability zones resolved for " + p.Environment.Region}
	}

	class := firstNonEmpty(p.InstanceClass, s.cfg.InstanceClass)
	size := firstNonEmpty(p.InstanceSize, s.cfg.InstanceSize)
	instanceType, arm, err := InstanceType(class, size)
	if err != nil {
		return nil, err
	}

	disk := s.cfg.DiskSize
	if p.DiskSize != "" {
		disk, err = strconv.Atoi(strings.TrimSpace(p.DiskSize))
		if err != nil {
			return nil, &ir.ValidationError{Field: ir.OverrideDiskSize, Reason: fmt.Sprintf("%q is not a number", p.DiskSize)}
		}
	}
	if disk < 1 || disk > maxDiskSize {
		return nil, &ir.ValidationError{Field: ir.OverrideDiskSize, Reason: fmt.Sprintf("%d GiB is outside 1..%d", disk, maxDiskSize)}
	}

	vpc, subnet, err := s.subnet(p.VPCCIDR)
	if err != nil {
		return nil, err
	}

	image := s.cfg.X86ImageParameter
	if arm {
		image = s.cfg.ARMImageParameter
	}

	b := &builder{name: p.StackName, tags: s.cfg.Tags}
	tpl := &ir.Template{
		FormatVersion: "2010-09-09",
		Description:   fmt.Sprintf("Single instance deployment %s", p.StackName),
		Parameters: map[string]ir.Parameter{
			"ImageId": {
				Type:        "AWS::SSM::Parameter::Value<AWS::EC2::Image::Id>",
				Default:     image,
				Description: "Amazon Linux 2023 image",
			},
		},
		Resources: map[string]ir.Resource{},
		Outputs:   map[string]ir.Output{},
	}
	zone := p.Environment.AvailabilityZones[0]

	tpl.Resources["Vpc"] = ir.Resource{
		Type: "AWS::EC2::VPC",
		Properties: map[string]any{
			"CidrBlock":          vpc.String(),
			"EnableDnsHostnames": true,
			"EnableDnsSupport":   true,
			"Tags":               b.tagList("vpc"),
		},
	}
	tpl.Resources["InternetGateway"] = ir.Resource{
		Type:       "AWS::EC2::InternetGateway",
		Properties: map[string]any{"Tags": b.tagList("igw")},
	}
	tpl.Resources["GatewayAttachment"] = ir.Resource{
		Type: "AWS::EC2::VPCGatewayAttachment",
		Properties: map[string]any{
			"VpcId":             ref("Vpc"),
			"InternetGatewayId": ref("InternetGateway"),
		},
	}
	tpl.Resources["PublicSubnet"] = ir.Resource{
		Type: "AWS::EC2::Subnet",
		Properties: map[string]any{
			"VpcId":               ref("Vpc"),
			"CidrBlock":           subnet.String(),
			"AvailabilityZone":    zone,
			"MapPublicIpOnLaunch": true,
			"Tags":                b.tagList("subnet"),
		},
	}
	tpl.Resources["RouteTable"] = ir.Resource{
		Type: "AWS::EC2::RouteTable",
		Properties: map[string]any{
			"VpcId": ref("Vpc"),
			"Tags":  b.tagList("rtb"),
		},
	}
	tpl.Resources["DefaultRoute"] = ir.Resource{
		Type:      "AWS::EC2::Route",
		DependsOn: []string{"GatewayAttachment"},
		Properties: map[string]any{
			"RouteTableId":         ref("RouteTable"),
			"DestinationCidrBlock": "0.0.0.0/0",
			"GatewayId":            ref("InternetGateway"),
		},
	}
	tpl.Resources["SubnetRouteTableAssociation"] = ir.Resource{
		Type: "AWS::EC2::SubnetRouteTableAssociation",
		Properties: map[string]any{
			"SubnetId":     ref("PublicSubnet"),
			"RouteTableId": ref("RouteTable"),
		},
	}
	tpl.Resources["SecurityGroup"] = ir.Resource{
		Type: "AWS::EC2::SecurityGroup",
		Properties: map[string]any{
			"GroupDescription": fmt.Sprintf("%s instance access", p.StackName),
			"VpcId":            ref("Vpc"),
			"SecurityGroupIngress": []any{
				ingress(22, 22, "Allow SSH access on port 22"),
				ingress(80, 80, "Allow HTTP access on port 80"),
				ingress(443, 443, "Allow HTTPS access on port 443"),
				ingress(s.cfg.AppPortFrom, s.cfg.AppPortTo, "Allow application endpoints"),
			},
			"SecurityGroupEgress": []any{
				map[string]any{"IpProtocol": "-1", "CidrIp": "0.0.0.0/0", "Description": "Allow all outbound traffic"},
			},
			"Tags": b.tagList("sg"),
		},
	}
	tpl.Resources["KeyPair"] = ir.Resource{
		Type: "AWS::EC2::KeyPair",
		Properties: map[string]any{
			"KeyName":           p.StackName + "-keypair",
			"PublicKeyMaterial": p.PublicKey,
			"Tags":              b.tagList("keypair"),
		},
	}
	tpl.Resources["Instance"] = ir.Resource{
		Type:      "AWS::EC2::Instance",
		DependsOn: []string{"DefaultRoute"},
		Properties: map[string]any{
			"ImageId":          ref("ImageId"),
			"InstanceType":     instanceType,
			"KeyName":          ref("KeyPair"),
			"SubnetId":         ref("PublicSubnet"),
			"SecurityGroupIds": []any{ref("SecurityGroup")},
			"BlockDeviceMappings": []any{
				map[string]any{
					"DeviceName": "/dev/xvda",
					"Ebs": map[string]any{
						"VolumeSize":          disk,
						"VolumeType":          "gp3",
						"Encrypted":           true,
						"DeleteOnTermination": true,
					},
				},
			},
			"Tags": b.tagList("ec2"),
		},
	}
	tpl.Resources["PrivateKeySecret"] = ir.Resource{
		Type: "AWS::SecretsManager::Secret",
		Properties: map[string]any{
			"Name":         p.StackName + "-private-key",
			"Description":  "Private SSH key for accessing the deployment instance",
			"SecretString": p.PrivateKeyBase64,
			"Tags":         b.tagList("private-key"),
		},
	}

	tpl.Outputs[ir.OutputStackID] = ir.Output{Description: "Stack identifier", Value: ref("AWS::StackId")}
	tpl.Outputs[ir.OutputInstanceID] = ir.Output{Description: "Instance identifier", Value: ref("Instance")}
	tpl.Outputs[ir.OutputInstancePublicIP] = ir.Output{Description: "Instance public IP address", Value: getAtt("Instance", "PublicIp")}
	tpl.Outputs[ir.OutputInstancePublicDNS] = ir.Output{Description: "Instance public DNS name", Value: getAtt("Instance", "PublicDnsName")}
	tpl.Outputs[ir.OutputAvailabilityZone] = ir.Output{Description: "Instance availability zone", Value: getAtt("Instance", "AvailabilityZone")}
	tpl.Outputs[ir.OutputPrivateKeySecretARN] = ir.Output{Description: "Secret holding the private key", Value: ref("PrivateKeySecret")}

	if fqdn := p.Environment.DNSName(p.StackName); fqdn != "" && p.Environment.HostedZoneID != "" {
		tpl.Resources["DnsRecord"] = ir.Resource{
			Type: "AWS::Route53::RecordSet",
			Properties: map[string]any{
				"HostedZoneId":    p.Environment.HostedZoneID,
				"Name":            fqdn + ".",
				"Type":            "A",
				"TTL":             strconv.Itoa(s.cfg.RecordTTL),
				"ResourceRecords": []any{getAtt("Instance", "PublicIp")},
			},
		}
		tpl.Outputs[ir.OutputDNSRecordFQDN] = ir.Output{Description: "DNS record", Value: ref("DnsRecord")}
	}

	return tpl, nil
}

// subnet returns the VPC prefix and the first subnet of the configured
// mask inside it.
func (s *Synthesizer) subnet(cidr string) (netip.Prefix, netip.Prefix, error) {
	vpc, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil || !vpc.Addr().Is4() {
		return netip.Prefix{}, netip.Prefix{}, &ir.ValidationError{Field: "vpc_cidr", Reason: fmt.Sprintf("%q is not an IPv4 CIDR block", cidr)}
	}
	vpc = vpc.Masked()
	if vpc.Bits() < 16 || vpc.Bits() > 28 {
		return netip.Prefix{}, netip.Prefix{}, &ir.ValidationError{Field: "vpc_cidr", Reason: fmt.Sprintf("prefix /%d is outside /16../28", vpc.Bits())}
	}
	if s.cfg.SubnetMask <= vpc.Bits() || s.cfg.SubnetMask > 28 {
		return netip.Prefix{}, netip.Prefix{}, &ir.ValidationError{Field: "subnet_mask", Reason: fmt.Sprintf("/%d must be narrower than /%d and at most /28", s.cfg.SubnetMask, vpc.Bits())}
	}
	return vpc, netip.PrefixFrom(vpc.Addr(), s.cfg.SubnetMask), nil
}

type builder struct {
	name string
	tags map[string]string
}

func (b *builder) tagList(suffix string) []any {
	tags := []any{map[string]any{"Key": "Name", "Value": b.name + "-" + suffix}}
	keys := make([]string, 0, len(b.tags))
	for k := range b.tags {
		if k != "Name" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, map[string]any{"Key": k, "Value": b.tags[k]})
	}
	return tags
}

func ref(id string) map[string]any {
	return map[string]any{"Ref": id}
}

func getAtt(id, attr string) map[string]any {
	return map[string]any{"Fn::GetAtt": []any{id, attr}}
}

func ingress(from, to int, description string) map[string]any {
	return map[string]any{
		"IpProtocol":  "tcp",
		"FromPort":    from,
		"ToPort":      to,
		"CidrIp":      "0.0.0.0/0",
		"Description": description,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
